package pbx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pbxops/pbxprov/internal/models"
)

// destinationCandidates are the dial-string contexts tried in order when
// creating an inbound route pointing at an extension.
var destinationCandidates = []string{
	"from-did-direct,%s,1",
	"ext-local,%s,1",
}

const addInboundRouteMutation = `
mutation($did:String!, $desc:String!, $dest:String!) {
    addInboundRoute(input:{
        extension: $did,
        description: $desc,
        destination: $dest
    }) {
        status
        message
        inboundRoute { id }
    }
}`

// CreateInboundRoute creates a route sending calls for did to ext, trying
// each destination context in order. A domain-level duplicate surfaces as
// AlreadyExistsError immediately. Uniqueness per DID is not enforced by the
// backend; callers are expected to check existing DIDs first (best effort,
// not atomic against concurrent external mutation).
func (c *Client) CreateInboundRoute(ctx context.Context, did, description, ext string) error {
	did = strings.TrimSpace(did)
	description = strings.TrimSpace(description)
	ext = strings.TrimSpace(ext)

	var lastErr error
	for _, tmpl := range destinationCandidates {
		dest := fmt.Sprintf(tmpl, ext)
		_, err := c.Execute(ctx, addInboundRouteMutation, map[string]interface{}{
			"did": did, "desc": description, "dest": dest,
		})
		if err == nil {
			return nil
		}
		if IsAlreadyExists(err) || IsSessionFatal(err) {
			return err
		}
		lastErr = err
	}

	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	if strings.Contains(msg, "Cannot query field") && strings.Contains(msg, "addInboundRoute") {
		return fmt.Errorf("this FreePBX version has no addInboundRoute mutation; update the framework/core/api modules: %w", lastErr)
	}
	return fmt.Errorf("create inbound route %s: %w", did, lastErr)
}

type inboundRecord struct {
	ID          flexString `json:"id"`
	Extension   string     `json:"extension"`
	Description string     `json:"description"`
	Destination string     `json:"destination"`
}

// inboundRouteQueries are the list-query shapes observed across deployments,
// tried in order. Container and inner field names drift together.
var inboundRouteQueries = []struct {
	query     string
	container string
	field     string
}{
	{
		query: `query {
		  fetchAllInboundRoutes {
		    inboundRoute { id extension description destination }
		  }
		}`,
		container: "fetchAllInboundRoutes",
		field:     "inboundRoute",
	},
	{
		query: `query {
		  inboundRoutes {
		    inboundRoute { id extension description destination }
		  }
		}`,
		container: "inboundRoutes",
		field:     "inboundRoute",
	},
	{
		query: `query {
		  fetchInboundRoutes {
		    inboundRoute { id extension description destination }
		  }
		}`,
		container: "fetchInboundRoutes",
		field:     "inboundRoute",
	},
	{
		query: `query {
		  allInboundRoutes {
		    inboundRoutes { id extension description }
		  }
		}`,
		container: "allInboundRoutes",
		field:     "inboundRoutes",
	},
}

// FetchInboundRoutes lists all inbound routes, degrading the query shape
// until one succeeds.
func (c *Client) FetchInboundRoutes(ctx context.Context) ([]models.InboundRoute, error) {
	var lastErr error
	for _, shape := range inboundRouteQueries {
		data, err := c.Execute(ctx, shape.query, nil)
		if err != nil {
			if IsSessionFatal(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		raw, ok := data[shape.container]
		if !ok {
			lastErr = &RemoteQueryError{Messages: []string{"response has no " + shape.container}}
			continue
		}
		var container map[string]json.RawMessage
		if err := json.Unmarshal(raw, &container); err != nil {
			lastErr = &RemoteQueryError{Messages: []string{fmt.Sprintf("malformed %s: %v", shape.container, err)}}
			continue
		}
		var records []inboundRecord
		if err := json.Unmarshal(container[shape.field], &records); err != nil {
			lastErr = &RemoteQueryError{Messages: []string{fmt.Sprintf("malformed %s.%s: %v", shape.container, shape.field, err)}}
			continue
		}
		out := make([]models.InboundRoute, 0, len(records))
		for _, r := range records {
			out = append(out, models.InboundRoute{
				ID:          string(r.ID),
				DID:         strings.TrimSpace(r.Extension),
				Description: strings.TrimSpace(r.Description),
				Destination: strings.TrimSpace(r.Destination),
			})
		}
		return out, nil
	}
	return nil, fmt.Errorf("fetch inbound routes: %w", lastErr)
}

// FindInboundRoute returns the route matching did, or nil when none exists.
func (c *Client) FindInboundRoute(ctx context.Context, did string) (*models.InboundRoute, error) {
	did = strings.TrimSpace(did)
	routes, err := c.FetchInboundRoutes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range routes {
		if routes[i].DID == did {
			return &routes[i], nil
		}
	}
	return nil, nil
}

const removeInboundRouteMutation = `
mutation ($input: removeInboundRouteInput!) {
  removeInboundRoute(input: $input) {
    status
    message
  }
}`

// DeleteInboundRoute removes a route by its opaque id.
func (c *Client) DeleteInboundRoute(ctx context.Context, routeID string) error {
	_, err := c.Execute(ctx, removeInboundRouteMutation, map[string]interface{}{
		"input": map[string]interface{}{"id": routeID},
	})
	if err != nil {
		return fmt.Errorf("delete inbound route %s: %w", routeID, err)
	}
	return nil
}
