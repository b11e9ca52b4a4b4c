package goip

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxops/pbxprov/internal/models"
)

// fakeDevice emulates the GOIP web interface: Basic auth, a status page and
// the ata_in_setting form whose POST handler persists the submitted state.
type fakeDevice struct {
	login, password string

	enabled  [slotCount + 1]bool
	alias    [slotCount + 1]string
	lastPost map[string]string
}

func (d *fakeDevice) renderForm() string {
	var b strings.Builder
	b.WriteString("<html><body><form method=post>")
	for i := 1; i <= slotCount; i++ {
		onChecked, offChecked := "", " checked"
		if d.enabled[i] {
			onChecked, offChecked = " checked", ""
		}
		fmt.Fprintf(&b, `<input type="radio" name="line%d_fw_to_voip" value="on"%s>`, i, onChecked)
		fmt.Fprintf(&b, `<input type="radio" name="line%d_fw_to_voip" value="off"%s>`, i, offChecked)
		fmt.Fprintf(&b, `<input type="text" name="line%d_fw_num_to_voip" value="%s">`, i, d.alias[i])
		fmt.Fprintf(&b, `<input type="hidden" name="line%d_gsm_cw" value="1">`, i)
		fmt.Fprintf(&b, `<input type="hidden" name="line%d_gsm_group_mode" value="GROUP%d">`, i, i)
		fmt.Fprintf(&b, `<input type="hidden" name="line%d_gsm_fw_mode" value="2">`, i)
		fmt.Fprintf(&b, `<input type="checkbox" name="line%d_auto_blacklist_in_enable">`, i)
	}
	b.WriteString("</form></body></html>")
	return b.String()
}

func (d *fakeDevice) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != d.login || pass != d.password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "status.html"):
			fmt.Fprint(w, "<html>GOIP32 GSM Gateway status: signal ok</html>")
		case strings.HasSuffix(r.URL.Path, "config.html"):
			if r.Method == http.MethodPost {
				_ = r.ParseForm()
				d.lastPost = map[string]string{}
				for k := range r.PostForm {
					d.lastPost[k] = r.PostForm.Get(k)
				}
				for i := 1; i <= slotCount; i++ {
					d.enabled[i] = r.PostForm.Get(fmt.Sprintf("line%d_fw_to_voip", i)) == "on"
					d.alias[i] = r.PostForm.Get(fmt.Sprintf("line%d_fw_num_to_voip", i))
				}
				fmt.Fprint(w, "saved")
				return
			}
			fmt.Fprint(w, d.renderForm())
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestClient(t *testing.T, d *fakeDevice) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(d.handler())
	t.Cleanup(srv.Close)
	return New(&models.GoIPDevice{
		BaseURL:  srv.URL,
		Login:    d.login,
		Password: d.password,
	}), srv
}

func TestCheckStatus(t *testing.T) {
	t.Run("ready device", func(t *testing.T) {
		dev := &fakeDevice{login: "admin", password: "admin"}
		c, _ := newTestClient(t, dev)
		status, msg := c.CheckStatus(context.Background())
		assert.Equal(t, StatusReady, status, msg)
	})

	t.Run("wrong credentials", func(t *testing.T) {
		dev := &fakeDevice{login: "admin", password: "secret"}
		srv := httptest.NewServer(dev.handler())
		t.Cleanup(srv.Close)
		c := New(&models.GoIPDevice{BaseURL: srv.URL, Login: "admin", Password: "wrong"})
		status, _ := c.CheckStatus(context.Background())
		assert.Equal(t, StatusUnauthorized, status)
	})
}

func TestSetIncomingEnabled(t *testing.T) {
	t.Run("enables slot and sets alias", func(t *testing.T) {
		dev := &fakeDevice{login: "admin", password: "admin"}
		c, _ := newTestClient(t, dev)

		require.NoError(t, c.SetIncomingEnabled(context.Background(), 5, true))
		assert.True(t, dev.enabled[5])
		assert.Equal(t, "sim5", dev.alias[5])
	})

	t.Run("posts the complete field set for untouched slots", func(t *testing.T) {
		dev := &fakeDevice{login: "admin", password: "admin"}
		dev.enabled[7] = true
		dev.alias[7] = "sim7"
		c, _ := newTestClient(t, dev)

		require.NoError(t, c.SetIncomingEnabled(context.Background(), 5, true))

		// Slot 7 must survive the write untouched.
		assert.True(t, dev.enabled[7])
		assert.Equal(t, "sim7", dev.alias[7])

		// Every slot's fields are present in the POST.
		for i := 1; i <= slotCount; i++ {
			for _, suffix := range []string{"fw_to_voip", "fw_num_to_voip", "gsm_cw", "gsm_group_mode", "gsm_fw_mode", "auto_blacklist_in_enable"} {
				key := fmt.Sprintf("line%d_%s", i, suffix)
				_, ok := dev.lastPost[key]
				assert.True(t, ok, "missing %s", key)
			}
		}
		// Device-specific per-slot values are carried over, not reset.
		assert.Equal(t, "GROUP3", dev.lastPost["line3_gsm_group_mode"])
		assert.Equal(t, "1", dev.lastPost["line3_gsm_cw"])
		assert.Equal(t, "2", dev.lastPost["line3_gsm_fw_mode"])
	})

	t.Run("idempotent", func(t *testing.T) {
		dev := &fakeDevice{login: "admin", password: "admin"}
		c, _ := newTestClient(t, dev)

		require.NoError(t, c.SetIncomingEnabled(context.Background(), 5, true))
		require.NoError(t, c.SetIncomingEnabled(context.Background(), 5, true))
		assert.True(t, dev.enabled[5])
		assert.Equal(t, "sim5", dev.alias[5])
	})

	t.Run("disable clears the alias", func(t *testing.T) {
		dev := &fakeDevice{login: "admin", password: "admin"}
		dev.enabled[4] = true
		dev.alias[4] = "sim4"
		c, _ := newTestClient(t, dev)

		require.NoError(t, c.SetIncomingEnabled(context.Background(), 4, false))
		assert.False(t, dev.enabled[4])
		assert.Equal(t, "", dev.alias[4])
	})

	t.Run("slot out of range", func(t *testing.T) {
		dev := &fakeDevice{login: "admin", password: "admin"}
		c, _ := newTestClient(t, dev)
		var slotErr *InvalidSlotError
		require.ErrorAs(t, c.SetIncomingEnabled(context.Background(), 0, true), &slotErr)
		require.ErrorAs(t, c.SetIncomingEnabled(context.Background(), 33, true), &slotErr)
	})

	t.Run("auth failure is typed", func(t *testing.T) {
		dev := &fakeDevice{login: "admin", password: "secret"}
		srv := httptest.NewServer(dev.handler())
		t.Cleanup(srv.Close)
		c := New(&models.GoIPDevice{BaseURL: srv.URL, Login: "admin", Password: "wrong"})

		var authErr *DeviceAuthError
		require.ErrorAs(t, c.SetIncomingEnabled(context.Background(), 5, true), &authErr)
	})

	t.Run("verification mismatch is reported", func(t *testing.T) {
		// Device accepts the POST but never changes state.
		dev := &fakeDevice{login: "admin", password: "admin"}
		stubborn := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, _, ok := r.BasicAuth(); !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.Method == http.MethodPost {
				fmt.Fprint(w, "saved")
				return
			}
			fmt.Fprint(w, dev.renderForm())
		})
		srv := httptest.NewServer(stubborn)
		t.Cleanup(srv.Close)
		c := New(&models.GoIPDevice{BaseURL: srv.URL, Login: "admin", Password: "admin"})

		var protoErr *DeviceProtocolError
		require.ErrorAs(t, c.SetIncomingEnabled(context.Background(), 5, true), &protoErr)
	})
}

func TestURLDerivation(t *testing.T) {
	t.Run("default language prefix", func(t *testing.T) {
		c := New(&models.GoIPDevice{BaseURL: "http://10.0.0.2"})
		assert.Equal(t, "http://10.0.0.2/default/en_US/config.html?type=ata_in_setting", c.formURL())
		assert.Equal(t, "http://10.0.0.2/default/en_US/status.html", c.statusURL())
	})

	t.Run("language prefix discovered from base path", func(t *testing.T) {
		c := New(&models.GoIPDevice{BaseURL: "http://10.0.0.2/default/zh_CN/status.html"})
		assert.Equal(t, "http://10.0.0.2/default/zh_CN/config.html?type=ata_in_setting", c.formURL())
		// Base already names an .html page, so the status URL is the base itself.
		assert.Equal(t, "http://10.0.0.2/default/zh_CN/status.html", c.statusURL())
	})
}

func TestSlotForExtension(t *testing.T) {
	slot, err := SlotForExtension("401", 401)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	slot, err = SlotForExtension("432", 401)
	require.NoError(t, err)
	assert.Equal(t, 32, slot)

	_, err = SlotForExtension("433", 401)
	var slotErr *InvalidSlotError
	require.ErrorAs(t, err, &slotErr)

	_, err = SlotForExtension("x", 401)
	require.Error(t, err)
}

func TestAuthHeaderEncodings(t *testing.T) {
	c := New(&models.GoIPDevice{Login: "admin", Password: "pässword"})
	headers := c.authHeaders()
	require.Len(t, headers, 2, "non-ASCII credentials produce a Latin-1 fallback")
	assert.NotEqual(t, headers[0], headers[1])

	c = New(&models.GoIPDevice{Login: "admin", Password: "plain"})
	assert.Len(t, c.authHeaders(), 1)
}
