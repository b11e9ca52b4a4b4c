package secondary

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pbxops/pbxprov/internal/allocator"
	"github.com/pbxops/pbxprov/internal/models"
)

const (
	reloadTimeout = 30 * time.Second

	// Dial pattern inserts are chunked to keep a single statement well
	// under the server's max packet size.
	patternChunkSize = 200
)

// secretPattern is the allow-listed character class for SIP secrets sent
// over the channel.
var secretPattern = regexp.MustCompile(`^[A-Za-z0-9._\-@]+$`)

// Channel exposes the high-level secondary-channel operations on top of a
// Runner. Each operation reads the current value for the report, writes the
// new value, and optionally triggers the PBX's own configuration reload.
type Channel struct {
	runner Runner
	apply  func(ctx context.Context) error
}

// NewChannel wraps a runner.
func NewChannel(r Runner) *Channel { return &Channel{runner: r} }

// WithApplyFallback sets the administrative-API reload used when the runner
// has no shell to run fwconsole in.
func (c *Channel) WithApplyFallback(apply func(ctx context.Context) error) *Channel {
	c.apply = apply
	return c
}

// Reload runs the PBX's own configuration-reload command. Over a direct
// database connection the runner has no shell, so the configured
// administrative-API fallback applies the configuration instead.
func (c *Channel) Reload(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	_, err := c.runner.Run(rctx, "fwconsole reload")
	if errors.Is(err, ErrShellUnsupported) && c.apply != nil {
		return c.apply(ctx)
	}
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// SetExtensionSecret rewrites the chan_sip secret of an extension. The
// md5_cred row is left alone; when present the client may keep using it,
// which is reported so the operator knows. With reload false the caller is
// batching and will reload once at the end.
func (c *Channel) SetExtensionSecret(ctx context.Context, extension, secret string, reload bool) (*models.SecretChange, error) {
	if !secretPattern.MatchString(secret) {
		return nil, &InvalidArgumentError{Msg: "secret may only contain letters, digits and ._-@"}
	}
	extNum, err := strconv.Atoi(extension)
	if err != nil {
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("extension %q is not numeric", extension)}
	}
	ext := strconv.Itoa(extNum)

	cur, err := c.runner.RunSQL(ctx, fmt.Sprintf(
		"SELECT data FROM sip WHERE id='%s' AND keyword='secret' LIMIT 1;", ext))
	if err != nil {
		return nil, err
	}
	oldValue := firstLine(cur)

	md5, err := c.runner.RunSQL(ctx, fmt.Sprintf(
		"SELECT data FROM sip WHERE id='%s' AND keyword='md5_cred' LIMIT 1;", ext))
	if err != nil {
		return nil, err
	}
	md5Present := firstLine(md5) != ""

	_, err = c.runner.RunSQL(ctx, fmt.Sprintf(
		"INSERT INTO sip (id,keyword,data) VALUES ('%s','secret','%s') "+
			"ON DUPLICATE KEY UPDATE data=VALUES(data);", ext, SQLEscape(secret)))
	if err != nil {
		return nil, err
	}

	if reload {
		if err := c.Reload(ctx); err != nil {
			return nil, err
		}
	}

	change := &models.SecretChange{
		Extension:  ext,
		OldValue:   oldValue,
		NewValue:   secret,
		Tech:       "chan_sip",
		MD5Present: md5Present,
	}
	if change.OldValue == "" {
		change.OldValue = "<empty>"
	}
	return change, nil
}

// SetTrunkSipServer rewrites a trunk's sip_server row with a new IP, then
// reloads and re-reads the row to verify. The administrative API has no
// mutation for this in observed deployments.
func (c *Channel) SetTrunkSipServer(ctx context.Context, trunkName, newIP string) (*models.TrunkSipServer, error) {
	if net.ParseIP(newIP) == nil {
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("%q is not an IP address", newIP)}
	}

	out, err := c.runner.RunSQL(ctx, fmt.Sprintf(
		"SELECT id FROM pjsip "+
			"WHERE (keyword='trunk_name' OR keyword='sv_trunk_name') AND data='%s' "+
			"ORDER BY (keyword='trunk_name') DESC LIMIT 1;", SQLEscape(trunkName)))
	if err != nil {
		return nil, err
	}
	trunkID := firstLine(out)
	if trunkID == "" {
		return nil, &RemoteExecError{Detail: fmt.Sprintf("no pjsip trunk named %q", trunkName)}
	}
	if _, err := strconv.Atoi(trunkID); err != nil {
		return nil, &RemoteExecError{Detail: fmt.Sprintf("unexpected trunk id %q", trunkID)}
	}

	readCurrent := fmt.Sprintf(
		"SELECT data FROM pjsip WHERE id=%s AND keyword='sip_server' LIMIT 1;", trunkID)

	cur, err := c.runner.RunSQL(ctx, readCurrent)
	if err != nil {
		return nil, err
	}
	oldValue := firstLine(cur)

	_, err = c.runner.RunSQL(ctx, fmt.Sprintf(
		"UPDATE pjsip SET data='%s' WHERE id=%s AND keyword='sip_server';", SQLEscape(newIP), trunkID))
	if err != nil {
		return nil, err
	}

	if err := c.Reload(ctx); err != nil {
		return nil, err
	}

	verify, err := c.runner.RunSQL(ctx, readCurrent)
	if err != nil {
		return nil, err
	}

	res := &models.TrunkSipServer{
		TrunkID:   trunkID,
		TrunkName: trunkName,
		OldValue:  oldValue,
		NewValue:  firstLine(verify),
	}
	if res.OldValue == "" {
		res.OldValue = "<empty>"
	}
	if res.NewValue == "" {
		res.NewValue = "<empty>"
	}
	return res, nil
}

// OutboundRouteOptions describes a bulk outbound route creation. Each number
// in the prepend range produces two dial patterns: prepend "NNN+" with
// PatternFirst and prepend "NNN" with PatternSecond, both with the matching
// caller id.
type OutboundRouteOptions struct {
	RouteName     string
	PrependRange  string // e.g. "001-032"
	CallerIDRange string // defaults to PrependRange
	PatternFirst  string // defaults to "X."
	PatternSecond string // defaults to "XXXX"
	TrunkNames    []string
}

// CreateOutboundRoute finds or creates the parent route row, inserts the
// per-number dial patterns and binds trunks. It is idempotent: reruns find
// the existing route row and INSERT IGNORE skips patterns already present,
// so partial pre-existing state is tolerated.
func (c *Channel) CreateOutboundRoute(ctx context.Context, opts OutboundRouteOptions) (*models.OutboundRouteResult, error) {
	if strings.TrimSpace(opts.RouteName) == "" {
		return nil, &InvalidArgumentError{Msg: "route name is required"}
	}
	if opts.PatternFirst == "" {
		opts.PatternFirst = "X."
	}
	if opts.PatternSecond == "" {
		opts.PatternSecond = "XXXX"
	}

	nums, err := allocator.ExpandSlotRange(opts.PrependRange)
	if err != nil {
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("prepend range: %v", err)}
	}
	cids := nums
	if opts.CallerIDRange != "" {
		cids, err = allocator.ExpandSlotRange(opts.CallerIDRange)
		if err != nil {
			return nil, &InvalidArgumentError{Msg: fmt.Sprintf("caller id range: %v", err)}
		}
	}
	if len(cids) != len(nums) {
		return nil, &InvalidArgumentError{Msg: "prepend and caller id ranges differ in length"}
	}

	routeID, err := c.findOrCreateRoute(ctx, opts.RouteName)
	if err != nil {
		return nil, err
	}

	// The patterns table may carry a composite PK over all five columns on
	// some builds, hence INSERT IGNORE.
	values := make([]string, 0, 2*len(nums))
	p1 := SQLEscape(opts.PatternFirst)
	p2 := SQLEscape(opts.PatternSecond)
	for i, n := range nums {
		cid := SQLEscape(cids[i])
		esc := SQLEscape(n)
		values = append(values,
			fmt.Sprintf("(%d,'','%s','%s','%s+')", routeID, p1, cid, esc),
			fmt.Sprintf("(%d,'','%s','%s','%s')", routeID, p2, cid, esc),
		)
	}
	for i := 0; i < len(values); i += patternChunkSize {
		end := i + patternChunkSize
		if end > len(values) {
			end = len(values)
		}
		stmt := "INSERT IGNORE INTO outbound_route_patterns " +
			"(route_id, match_pattern_prefix, match_pattern_pass, match_cid, prepend_digits) VALUES\n  " +
			strings.Join(values[i:end], ",\n  ") + ";"
		if _, err := c.runner.RunSQL(ctx, stmt); err != nil {
			return nil, err
		}
	}

	for i, name := range opts.TrunkNames {
		stmt := fmt.Sprintf(
			"INSERT IGNORE INTO outbound_route_trunks (route_id, trunk_id, seq) "+
				"SELECT %d, trunkid, %d FROM trunks WHERE name='%s';", routeID, i, SQLEscape(name))
		if _, err := c.runner.RunSQL(ctx, stmt); err != nil {
			return nil, err
		}
	}

	if err := c.Reload(ctx); err != nil {
		return nil, err
	}

	log.Info().Str("route", opts.RouteName).Int("patterns", len(values)).Msg("outbound route provisioned")
	return &models.OutboundRouteResult{
		RouteID:         strconv.Itoa(routeID),
		RouteName:       opts.RouteName,
		PatternsCreated: len(values),
		TrunksBound:     opts.TrunkNames,
	}, nil
}

// findOrCreateRoute returns the route_id for name, inserting the route row
// and its sequence entry when absent. Reruns must not create duplicate
// parent rows, so the lookup always runs first.
func (c *Channel) findOrCreateRoute(ctx context.Context, name string) (int, error) {
	// BINARY comparison sidesteps collation mismatches on the name column.
	lookup := fmt.Sprintf(
		"SELECT route_id FROM outbound_routes WHERE BINARY name = BINARY '%s' LIMIT 1;", SQLEscape(name))

	out, err := c.runner.RunSQL(ctx, lookup)
	if err != nil {
		return 0, err
	}
	if firstLine(out) == "" {
		if _, err := c.runner.RunSQL(ctx, fmt.Sprintf(
			"INSERT INTO outbound_routes (name) VALUES ('%s');", SQLEscape(name))); err != nil {
			return 0, err
		}
		if out, err = c.runner.RunSQL(ctx, lookup); err != nil {
			return 0, err
		}
	}

	routeID, err := strconv.Atoi(firstLine(out))
	if err != nil {
		return 0, &RemoteExecError{Detail: fmt.Sprintf("could not resolve route_id for %q", name)}
	}

	_, err = c.runner.RunSQL(ctx, fmt.Sprintf(
		"INSERT INTO outbound_route_sequence (route_id, seq) "+
			"SELECT %d, COALESCE((SELECT MAX(seq)+1 FROM outbound_route_sequence AS s), 0) FROM DUAL "+
			"WHERE NOT EXISTS (SELECT 1 FROM outbound_route_sequence WHERE route_id=%d);", routeID, routeID))
	if err != nil {
		return 0, err
	}
	return routeID, nil
}
