package pbx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxops/pbxprov/internal/models"
)

// variantStub accepts exactly one delete-variant shape, identified by the
// argument field name and scalar type appearing in the query text, and
// rejects everything else the way FreePBX does.
func variantStub(t *testing.T, accept Variant) (*Client, *int) {
	t.Helper()
	calls := new(int)
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/api/api/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/admin/api/api/gql", func(w http.ResponseWriter, r *http.Request) {
		*calls++
		var req struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		wantArg := fmt.Sprintf("$ext: %s!", accept.ArgType)
		var wantShape string
		if accept.Wrapped {
			wantShape = fmt.Sprintf("input: { %s: $ext }", accept.Field)
		} else {
			wantShape = fmt.Sprintf("deleteExtension(%s: $ext)", accept.Field)
		}
		if strings.Contains(req.Query, wantArg) && strings.Contains(req.Query, wantShape) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"deleteExtension": map[string]string{"status": "true"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{"message": "Unknown argument shape"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(&models.Session{BaseURL: srv.URL, ClientID: "c", ClientSecret: "s"}), calls
}

func TestDeleteExtensionProbesUntilAccepted(t *testing.T) {
	// Whichever single variant the backend accepts, the probe finds it and
	// stops there.
	for i, v := range deleteExtensionVariants {
		v := v
		t.Run(v.String(), func(t *testing.T) {
			c, calls := variantStub(t, v)
			require.NoError(t, c.DeleteExtension(context.Background(), "401"))
			assert.Equal(t, i+1, *calls, "stops at the first accepted variant")
		})
	}
}

func TestMutateVariantsAllRejected(t *testing.T) {
	c, calls := variantStub(t, Variant{ArgType: "Float", Field: "nope", Wrapped: true})
	err := c.DeleteExtension(context.Background(), "401")
	require.Error(t, err)
	assert.Equal(t, len(deleteExtensionVariants), *calls)

	var all *AllVariantsError
	require.ErrorAs(t, err, &all)
	assert.Len(t, all.Attempts, len(deleteExtensionVariants))
	assert.Contains(t, all.Error(), "deleteExtension failed")
}

func TestMutateVariantsAbortsOnDuplicate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/api/api/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	calls := 0
	mux.HandleFunc("/admin/api/api/gql", func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{"message": "already exists"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := New(&models.Session{BaseURL: srv.URL, ClientID: "c", ClientSecret: "s"})

	err := c.DeleteExtension(context.Background(), "401")
	assert.True(t, IsAlreadyExists(err))
	assert.Equal(t, 1, calls, "no further variants after a domain-level answer")
}

func TestMutateVariantsAbortsOnAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	c := New(&models.Session{BaseURL: srv.URL, ClientID: "c", ClientSecret: "s"})

	err := c.DeleteExtension(context.Background(), "401")
	assert.True(t, IsSessionFatal(err))
}

func TestVariantString(t *testing.T) {
	assert.Equal(t, "ID/id/input", Variant{ArgType: "ID", Field: "id", Wrapped: true}.String())
	assert.Equal(t, "String/extId/direct", Variant{ArgType: "String", Field: "extId"}.String())
}
