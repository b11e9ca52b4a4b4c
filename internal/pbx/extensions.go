package pbx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pbxops/pbxprov/internal/models"
)

// flexString tolerates backends that return extensionId as a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

type extUser struct {
	Password    string `json:"password"`
	ExtPassword string `json:"extPassword"`
	Name        string `json:"name"`
	DisplayName string `json:"displayname"`
	Username    string `json:"username"`
}

type extRecord struct {
	ExtensionID flexString `json:"extensionId"`
	Pjsip       *struct {
		Secret string `json:"secret"`
	} `json:"pjsip"`
	User *extUser `json:"user"`
}

func (r extRecord) secret() string {
	if r.User != nil && r.User.ExtPassword != "" {
		return r.User.ExtPassword
	}
	if r.Pjsip != nil && r.Pjsip.Secret != "" {
		return r.Pjsip.Secret
	}
	if r.User != nil {
		return r.User.Password
	}
	return ""
}

func (r extRecord) displayName() string {
	if r.User == nil {
		return ""
	}
	for _, v := range []string{r.User.Name, r.User.DisplayName, r.User.Username} {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// fetchAllExtensionQueries: the full shape first, then one without the pjsip
// block for schema versions that do not expose it.
var fetchAllExtensionQueries = []string{
	`query {
	  fetchAllExtensions {
	    extension {
	      extensionId
	      tech
	      pjsip { secret }
	      user { password extPassword }
	    }
	  }
	}`,
	`query {
	  fetchAllExtensions {
	    extension {
	      extensionId
	      user { password extPassword }
	    }
	  }
	}`,
}

func (c *Client) fetchExtensionRecords(ctx context.Context, queries []string) ([]extRecord, error) {
	var lastErr error
	for _, q := range queries {
		data, err := c.Execute(ctx, q, nil)
		if err != nil {
			if IsSessionFatal(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		var container struct {
			Extension []extRecord `json:"extension"`
		}
		raw, ok := data["fetchAllExtensions"]
		if !ok {
			lastErr = &RemoteQueryError{Messages: []string{"response has no fetchAllExtensions"}}
			continue
		}
		if err := json.Unmarshal(raw, &container); err != nil {
			lastErr = &RemoteQueryError{Messages: []string{fmt.Sprintf("malformed fetchAllExtensions: %v", err)}}
			continue
		}
		return container.Extension, nil
	}
	return nil, fmt.Errorf("fetch extensions: %w", lastErr)
}

// FetchAllExtensions lists every extension with its secret, sorted ascending
// by the numeric part of the id.
func (c *Client) FetchAllExtensions(ctx context.Context) ([]models.Extension, error) {
	records, err := c.fetchExtensionRecords(ctx, fetchAllExtensionQueries)
	if err != nil {
		return nil, err
	}
	out := make([]models.Extension, 0, len(records))
	for _, r := range records {
		out = append(out, models.Extension{
			ID:     string(r.ExtensionID),
			Name:   r.displayName(),
			Secret: r.secret(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return numericPart(out[i].ID) < numericPart(out[j].ID)
	})
	return out, nil
}

func numericPart(s string) int {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	n, _ := strconv.Atoi(b.String())
	return n
}

// ExtensionIndex is a snapshot of which extensions (and, when the server
// exposes them, which display names) exist. Batches consult and update it so
// existence checks do not refetch per item.
type ExtensionIndex struct {
	names map[string]string // ext id -> display name
	used  map[string]struct{}

	// NamesKnown is false when the server answered only a degraded query
	// shape without user names; name-duplicate checks are then skipped.
	NamesKnown bool
}

// Has reports whether the extension id exists.
func (ix *ExtensionIndex) Has(ext string) bool {
	_, ok := ix.names[ext]
	return ok
}

// HasName reports whether a display name is taken (case-insensitive).
func (ix *ExtensionIndex) HasName(name string) bool {
	_, ok := ix.used[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Add records a newly created extension in the snapshot.
func (ix *ExtensionIndex) Add(ext, name string) {
	ix.names[ext] = name
	if n := strings.ToLower(strings.TrimSpace(name)); n != "" {
		ix.used[n] = struct{}{}
	}
}

// IDs returns the known extension ids, unordered.
func (ix *ExtensionIndex) IDs() []string {
	out := make([]string, 0, len(ix.names))
	for id := range ix.names {
		out = append(out, id)
	}
	return out
}

// Len returns the number of known extensions.
func (ix *ExtensionIndex) Len() int { return len(ix.names) }

// fetchIndexQueries degrade from names to bare ids; the last shape works on
// every observed deployment.
var fetchIndexQueries = []string{
	`query {
	  fetchAllExtensions {
	    extension {
	      extensionId
	      user { extPassword name displayname }
	    }
	  }
	}`,
	`query {
	  fetchAllExtensions {
	    extension {
	      extensionId
	      user { password }
	    }
	  }
	}`,
	`query {
	  fetchAllExtensions {
	    extension { extensionId }
	  }
	}`,
}

// FetchIndex builds an existence/name index over all extensions, degrading
// the query shape until one succeeds.
func (c *Client) FetchIndex(ctx context.Context) (*ExtensionIndex, error) {
	var lastErr error
	for i, q := range fetchIndexQueries {
		records, err := c.fetchExtensionRecords(ctx, []string{q})
		if err != nil {
			if IsSessionFatal(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		ix := &ExtensionIndex{
			names: make(map[string]string, len(records)),
			used:  make(map[string]struct{}, len(records)),
		}
		for _, r := range records {
			ix.Add(string(r.ExtensionID), r.displayName())
		}
		// Only the first shape returns names.
		ix.NamesKnown = i == 0 && len(ix.used) > 0
		return ix, nil
	}
	return nil, fmt.Errorf("fetch extension index: %w", lastErr)
}

const createExtensionMutation = `
mutation($start: ID!, $name: String!, $email: String!) {
  createRangeofExtension(input:{
    startExtension: $start,
    numberOfExtensions: 1,
    tech: "pjsip",
    name: $name,
    email: $email,
    vmEnable: true,
    umEnable: true
  }) {
    status
    message
  }
}`

// CreateExtension creates one pjsip extension. The create mutation does not
// reliably accept a secret, so callers set the password in a second step via
// SetExtensionPassword.
func (c *Client) CreateExtension(ctx context.Context, ext, name string) error {
	nm := strings.TrimSpace(name)
	if nm == "" {
		nm = ext
	}
	_, err := c.Execute(ctx, createExtensionMutation, map[string]interface{}{
		"start": ext,
		"name":  nm,
		"email": ext + "@local",
	})
	if err != nil {
		return fmt.Errorf("create extension %s: %w", ext, err)
	}
	return nil
}

var setPasswordVariants = []Variant{
	{ArgType: "ID", Field: "extensionId", Wrapped: true},
	{ArgType: "String", Field: "extensionId", Wrapped: true},
}

// SetExtensionPassword updates the SIP secret of an existing extension,
// probing the extensionId scalar type (ID! first, then String!).
func (c *Client) SetExtensionPassword(ctx context.Context, ext, secret string) error {
	err := c.mutateVariants(ctx, "updateExtension", setPasswordVariants, func(v Variant) (string, map[string]interface{}) {
		query := fmt.Sprintf(`
mutation($extId: %s!, $name: String!, $pwd: String!) {
  updateExtension(input: {
    extensionId: $extId,
    name: $name,
    extPassword: $pwd
  }) { status message }
}`, v.ArgType)
		return query, map[string]interface{}{"extId": ext, "name": ext, "pwd": secret}
	})
	if err != nil {
		return fmt.Errorf("set password for %s: %w", ext, err)
	}
	return nil
}

// DeleteExtension removes an extension, probing the full delete variant list.
func (c *Client) DeleteExtension(ctx context.Context, ext string) error {
	err := c.mutateVariants(ctx, "deleteExtension", deleteExtensionVariants, func(v Variant) (string, map[string]interface{}) {
		var query string
		if v.Wrapped {
			query = fmt.Sprintf(`
mutation($ext: %s!) {
  deleteExtension(input: { %s: $ext }) { status message }
}`, v.ArgType, v.Field)
		} else {
			query = fmt.Sprintf(`
mutation($ext: %s!) {
  deleteExtension(%s: $ext) { status message }
}`, v.ArgType, v.Field)
		}
		return query, map[string]interface{}{"ext": ext}
	})
	if err != nil {
		return fmt.Errorf("delete extension %s: %w", ext, err)
	}
	return nil
}
