package pbx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Variant is one candidate shape for a mutation argument. FreePBX deployments
// disagree on the argument's field name, its scalar type, and whether it is
// wrapped in an input object, so mutations are probed against an ordered list
// of variants. The list is data: supporting another backend version means
// appending a row, not adding a branch.
type Variant struct {
	ArgType string // "ID" or "String"
	Field   string
	Wrapped bool // argument wrapped in an input object
}

func (v Variant) String() string {
	mode := "direct"
	if v.Wrapped {
		mode = "input"
	}
	return fmt.Sprintf("%s/%s/%s", v.ArgType, v.Field, mode)
}

// deleteExtensionVariants is the probing order observed to cover deployed
// schema versions. Order affects only latency: the variants are semantically
// equivalent, so first success wins.
var deleteExtensionVariants = []Variant{
	{"ID", "id", true},
	{"String", "id", true},
	{"ID", "extensionId", true},
	{"String", "extensionId", true},
	{"ID", "extension", true},
	{"String", "extension", true},
	{"ID", "extId", true},
	{"String", "extId", true},
	{"ID", "id", false},
	{"String", "id", false},
	{"ID", "extensionId", false},
	{"String", "extensionId", false},
	{"ID", "extension", false},
	{"String", "extension", false},
	{"ID", "extId", false},
	{"String", "extId", false},
}

// Attempt records one failed variant probe.
type Attempt struct {
	Variant Variant
	Err     error
}

// AllVariantsError aggregates every attempt after the whole variant list was
// rejected by the backend.
type AllVariantsError struct {
	Op       string
	Attempts []Attempt
}

func (e *AllVariantsError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed (all %d variants):", e.Op, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " [%s: %v]", a.Variant, a.Err)
	}
	return b.String()
}

// mutateVariants probes variants in order until the backend accepts one.
// A variant counts as failed only on a remote-rejected-request signal
// (RemoteQueryError); AlreadyExists, auth failures and network failures
// abort probing immediately, since retrying a different shape cannot
// change those outcomes.
func (c *Client) mutateVariants(ctx context.Context, op string, variants []Variant, build func(Variant) (string, map[string]interface{})) error {
	attempts := make([]Attempt, 0, len(variants))
	for _, v := range variants {
		query, vars := build(v)
		_, err := c.Execute(ctx, query, vars)
		if err == nil {
			return nil
		}
		if IsAlreadyExists(err) || IsSessionFatal(err) {
			return err
		}
		var ne *NetworkError
		if errors.As(err, &ne) {
			return err
		}
		log.Debug().Str("op", op).Stringer("variant", v).Err(err).Msg("variant rejected")
		attempts = append(attempts, Attempt{Variant: v, Err: err})
	}
	return &AllVariantsError{Op: op, Attempts: attempts}
}
