package pbx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

const doreloadMutation = `
mutation {
    doreload(input: {}) {
      status
      message
      transaction_id
    }
}`

// ApplyConfig activates pending configuration changes. It prefers the
// GraphQL doreload mutation and falls back to the legacy ajax reload
// endpoint for schema versions without it. Both failing returns a combined
// error so operators see each channel's verbatim answer.
func (c *Client) ApplyConfig(ctx context.Context) error {
	_, gqlErr := c.Execute(ctx, doreloadMutation, nil)
	if gqlErr == nil {
		return nil
	}
	if IsSessionFatal(gqlErr) {
		return gqlErr
	}
	log.Debug().Err(gqlErr).Msg("doreload rejected, falling back to ajax reload")

	_, ajaxErr := c.get(ctx, "/admin/ajax.php", map[string]string{"command": "reload"})
	if ajaxErr == nil {
		return nil
	}
	return fmt.Errorf("apply config failed: doreload -> %v; ajax reload -> %v", gqlErr, ajaxErr)
}

// introspection queries, kept for diagnosing schema drift from the CLI.
const (
	queryFieldsQuery = `query {
	  __schema {
	    queryType {
	      fields { name }
	    }
	  }
	}`
	mutationFieldsQuery = `query {
	  __schema {
	    mutationType {
	      fields { name }
	    }
	  }
	}`
)

func (c *Client) schemaFields(ctx context.Context, query, kind string) ([]string, error) {
	data, err := c.Execute(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	var schema struct {
		QueryType *struct {
			Fields []struct {
				Name string `json:"name"`
			} `json:"fields"`
		} `json:"queryType"`
		MutationType *struct {
			Fields []struct {
				Name string `json:"name"`
			} `json:"fields"`
		} `json:"mutationType"`
	}
	if err := json.Unmarshal(data["__schema"], &schema); err != nil {
		return nil, &RemoteQueryError{Messages: []string{fmt.Sprintf("malformed __schema: %v", err)}}
	}
	var out []string
	switch kind {
	case "query":
		if schema.QueryType != nil {
			for _, f := range schema.QueryType.Fields {
				out = append(out, f.Name)
			}
		}
	case "mutation":
		if schema.MutationType != nil {
			for _, f := range schema.MutationType.Fields {
				out = append(out, f.Name)
			}
		}
	}
	return out, nil
}

// ListQueryFields returns the names of the backend's top-level query fields.
func (c *Client) ListQueryFields(ctx context.Context) ([]string, error) {
	return c.schemaFields(ctx, queryFieldsQuery, "query")
}

// ListMutations returns the names of the backend's mutations.
func (c *Client) ListMutations(ctx context.Context) ([]string, error) {
	return c.schemaFields(ctx, mutationFieldsQuery, "mutation")
}
