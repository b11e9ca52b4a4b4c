package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxops/pbxprov/internal/batch"
	"github.com/pbxops/pbxprov/internal/models"
	"github.com/pbxops/pbxprov/internal/pbx"
	"github.com/pbxops/pbxprov/internal/secondary"
)

// fakePBX is an in-memory FreePBX administrative API: token endpoint plus a
// GraphQL dispatcher keyed on the operation name in the query text.
type fakePBX struct {
	mu      sync.Mutex
	exts    map[string]string // ext -> secret
	routes  map[string]string // did -> route id
	nextID  int
	reloads int
	tokens  int
}

func newFakePBX(existing ...string) *fakePBX {
	f := &fakePBX{exts: map[string]string{}, routes: map[string]string{}, nextID: 100}
	for _, e := range existing {
		f.exts[e] = "seeded"
	}
	return f
}

func gqlData(w http.ResponseWriter, data interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func gqlError(w http.ResponseWriter, msg string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []map[string]string{{"message": msg}},
	})
}

func (f *fakePBX) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/api/api/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokens++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok", "expires_in": 3600,
		})
	})
	mux.HandleFunc("/admin/api/api/gql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string                 `json:"query"`
			Variables map[string]interface{} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()

		str := func(k string) string { s, _ := req.Variables[k].(string); return s }
		switch {
		case strings.Contains(req.Query, "fetchAllExtensions"):
			type user struct {
				ExtPassword string `json:"extPassword"`
				Name        string `json:"name"`
			}
			type rec struct {
				ExtensionID string `json:"extensionId"`
				User        *user  `json:"user"`
			}
			recs := make([]rec, 0, len(f.exts))
			for id, secret := range f.exts {
				recs = append(recs, rec{ExtensionID: id, User: &user{ExtPassword: secret, Name: id}})
			}
			gqlData(w, map[string]interface{}{
				"fetchAllExtensions": map[string]interface{}{"extension": recs},
			})
		case strings.Contains(req.Query, "createRangeofExtension"):
			ext := str("start")
			if _, ok := f.exts[ext]; ok {
				gqlError(w, fmt.Sprintf("extension %s already exists", ext))
				return
			}
			f.exts[ext] = ""
			gqlData(w, map[string]interface{}{
				"createRangeofExtension": map[string]string{"status": "true", "message": "created"},
			})
		case strings.Contains(req.Query, "updateExtension"):
			ext := str("extId")
			if _, ok := f.exts[ext]; !ok {
				gqlError(w, fmt.Sprintf("extension %s not found", ext))
				return
			}
			f.exts[ext] = str("pwd")
			gqlData(w, map[string]interface{}{
				"updateExtension": map[string]string{"status": "true", "message": "updated"},
			})
		case strings.Contains(req.Query, "deleteExtension"):
			ext := str("ext")
			if _, ok := f.exts[ext]; !ok {
				gqlError(w, fmt.Sprintf("extension %s not found", ext))
				return
			}
			delete(f.exts, ext)
			gqlData(w, map[string]interface{}{
				"deleteExtension": map[string]string{"status": "true", "message": "deleted"},
			})
		case strings.Contains(req.Query, "addInboundRoute"):
			did := str("did")
			f.nextID++
			f.routes[did] = fmt.Sprintf("%d", f.nextID)
			gqlData(w, map[string]interface{}{
				"addInboundRoute": map[string]string{"status": "true", "message": "created"},
			})
		case strings.Contains(req.Query, "fetchAllInboundRoutes"):
			type route struct {
				ID          string `json:"id"`
				Extension   string `json:"extension"`
				Description string `json:"description"`
			}
			routes := make([]route, 0, len(f.routes))
			for did, id := range f.routes {
				routes = append(routes, route{ID: id, Extension: did, Description: "sim" + did})
			}
			gqlData(w, map[string]interface{}{
				"fetchAllInboundRoutes": map[string]interface{}{"inboundRoute": routes},
			})
		case strings.Contains(req.Query, "removeInboundRoute"):
			input, _ := req.Variables["input"].(map[string]interface{})
			id, _ := input["id"].(string)
			for did, rid := range f.routes {
				if rid == id {
					delete(f.routes, did)
				}
			}
			gqlData(w, map[string]interface{}{
				"removeInboundRoute": map[string]string{"status": "true", "message": "removed"},
			})
		case strings.Contains(req.Query, "doreload"):
			f.reloads++
			gqlData(w, map[string]interface{}{
				"doreload": map[string]string{"status": "true", "message": "reloaded"},
			})
		default:
			gqlError(w, "Cannot query field")
		}
	})
	return mux
}

func (f *fakePBX) extIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.exts))
	for id := range f.exts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func newProvisioner(t *testing.T, f *fakePBX) *Provisioner {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	sess := &models.Session{
		Key:      "test",
		BaseURL:  srv.URL,
		ClientID: "cid", ClientSecret: "cs",
	}
	return &Provisioner{PBX: pbx.New(sess)}
}

var hexSecret = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCreateExtensions(t *testing.T) {
	f := newFakePBX("401", "403")
	p := newProvisioner(t, f)

	res, err := p.CreateExtensions(context.Background(), 4, 3, "")
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	var created []string
	for _, it := range res.Items {
		require.Equal(t, batch.Succeeded, it.Outcome, it.Target)
		assert.Regexp(t, hexSecret, it.Detail, "detail carries the generated secret")
		created = append(created, it.Target)
	}
	// 401 and 403 are taken, so the allocator picks around them.
	assert.Equal(t, []string{"402", "404", "405"}, created)
	assert.Equal(t, []string{"401", "402", "403", "404", "405"}, f.extIDs())

	assert.True(t, res.Applied)
	assert.Equal(t, 1, f.reloads, "configuration applied exactly once")

	// Secrets were pushed through the second-step password update.
	f.mu.Lock()
	assert.Regexp(t, hexSecret, f.exts["402"])
	f.mu.Unlock()
}

func TestAddExtensionsSkipsExisting(t *testing.T) {
	f := newFakePBX("401")
	p := newProvisioner(t, f)

	res, err := p.AddExtensions(context.Background(), "401-403")
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	assert.Equal(t, batch.SkippedExists, res.Items[0].Outcome)
	assert.Equal(t, batch.Succeeded, res.Items[1].Outcome)
	assert.Equal(t, batch.Succeeded, res.Items[2].Outcome)
	assert.Equal(t, []string{"401", "402", "403"}, f.extIDs())
	assert.Equal(t, 1, f.reloads)
}

func TestAddExtensionsBadSpec(t *testing.T) {
	p := newProvisioner(t, newFakePBX())
	_, err := p.AddExtensions(context.Background(), "40x")
	require.Error(t, err)
}

func TestDeleteEquipmentOnlyTouchesBlock(t *testing.T) {
	f := newFakePBX("399", "401", "402", "501")
	p := newProvisioner(t, f)

	res, err := p.DeleteEquipment(context.Background(), 4)
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	assert.Equal(t, []string{"399", "501"}, f.extIDs())
	assert.Equal(t, 1, f.reloads)
}

func TestDeleteAll(t *testing.T) {
	f := newFakePBX("401", "402", "503")
	p := newProvisioner(t, f)

	res, err := p.DeleteAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
	assert.Empty(t, f.extIDs())
}

func TestDeleteTargetsSkipsUnknown(t *testing.T) {
	f := newFakePBX("401")
	p := newProvisioner(t, f)

	res, err := p.DeleteTargetSpec(context.Background(), "401 402")
	require.NoError(t, err)
	assert.Equal(t, batch.Succeeded, res.Items[0].Outcome)
	assert.Equal(t, batch.SkippedPrecondition, res.Items[1].Outcome,
		"a missing extension is a missing prerequisite, not a duplicate")
	assert.Equal(t, "extension 402 does not exist", res.Items[1].Detail)
}

func TestAddInboundRoutes(t *testing.T) {
	f := newFakePBX("401", "402")
	f.routes["402"] = "7"
	p := newProvisioner(t, f)

	res, err := p.AddInboundRoutes(context.Background(), "401-403")
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	assert.Equal(t, batch.Succeeded, res.Items[0].Outcome, "401 has an extension and no route")
	assert.Equal(t, batch.SkippedExists, res.Items[1].Outcome, "402 already routed")
	assert.Equal(t, batch.SkippedPrecondition, res.Items[2].Outcome, "403 has no extension")
	assert.Contains(t, res.Items[2].Detail, "does not exist")

	f.mu.Lock()
	_, ok := f.routes["401"]
	f.mu.Unlock()
	assert.True(t, ok)
}

func TestRemoveInboundRoutes(t *testing.T) {
	f := newFakePBX("401")
	f.routes["401"] = "7"
	p := newProvisioner(t, f)

	res, err := p.RemoveInboundRoutes(context.Background(), "401 402")
	require.NoError(t, err)
	assert.Equal(t, batch.Succeeded, res.Items[0].Outcome)
	assert.Equal(t, batch.SkippedPrecondition, res.Items[1].Outcome, "402 has no route to remove")
	assert.Equal(t, "no inbound route for DID 402", res.Items[1].Detail)

	f.mu.Lock()
	assert.Empty(t, f.routes)
	f.mu.Unlock()
}

func TestAuthFailureSurfacesBeforeAnyBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	p := &Provisioner{PBX: pbx.New(&models.Session{BaseURL: srv.URL})}

	_, err := p.CreateExtensions(context.Background(), 4, 2, "")
	require.Error(t, err)
	assert.True(t, pbx.IsSessionFatal(err))
}

// secretRunner implements secondary.Runner in memory for SetSecrets.
type secretRunner struct {
	sql      []string
	commands []string
}

func (r *secretRunner) Run(ctx context.Context, command string) (string, error) {
	r.commands = append(r.commands, command)
	return "", nil
}

func (r *secretRunner) RunSQL(ctx context.Context, stmt string) (string, error) {
	r.sql = append(r.sql, stmt)
	return "", nil
}

func TestSetSecretsReloadsOnce(t *testing.T) {
	runner := &secretRunner{}
	p := &Provisioner{Channel: secondary.NewChannel(runner)}

	res, err := p.SetSecrets(context.Background(), "401-403", "")
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	seen := map[string]bool{}
	for _, it := range res.Items {
		assert.Equal(t, batch.Succeeded, it.Outcome)
		assert.Regexp(t, hexSecret, it.Detail)
		assert.False(t, seen[it.Detail], "secrets are unique per extension")
		seen[it.Detail] = true
	}
	assert.Equal(t, []string{"fwconsole reload"}, runner.commands, "single reload at the end")
}

// noShellRunner behaves like a direct database connection: SQL statements
// succeed, shell commands do not.
type noShellRunner struct {
	secretRunner
}

func (r *noShellRunner) Run(ctx context.Context, command string) (string, error) {
	return "", secondary.ErrShellUnsupported
}

func TestSetSecretsAppliesOverAPIWithoutShell(t *testing.T) {
	f := newFakePBX("401")
	p := newProvisioner(t, f)
	p.Channel = secondary.NewChannel(&noShellRunner{}).WithApplyFallback(p.PBX.ApplyConfig)

	res, err := p.SetSecrets(context.Background(), "401", "")
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, batch.Succeeded, res.Items[0].Outcome)
	assert.True(t, res.Applied)
	assert.NoError(t, res.ApplyErr)
	assert.Equal(t, 1, f.reloads, "configuration applied through the administrative API")
}

func TestSetSecretsWithoutChannel(t *testing.T) {
	p := &Provisioner{}
	_, err := p.SetSecrets(context.Background(), "401", "")
	var nc *ErrNotConfigured
	require.ErrorAs(t, err, &nc)
}

func TestSyncSlotsWithoutDevice(t *testing.T) {
	p := &Provisioner{}
	_, err := p.SyncSlots(context.Background(), []string{"401"}, 401, true)
	var nc *ErrNotConfigured
	require.ErrorAs(t, err, &nc)
}

func TestNewSecretShape(t *testing.T) {
	a, b := NewSecret(), NewSecret()
	assert.Regexp(t, hexSecret, a)
	assert.NotEqual(t, a, b)
}
