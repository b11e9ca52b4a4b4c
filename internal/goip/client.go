// Package goip drives the web interface of a GOIP GSM gateway: status
// probing and per-slot forwarding configuration through the device's
// monolithic HTML form.
package goip

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/pbxops/pbxprov/internal/models"
)

const (
	statusTimeout = 8 * time.Second
	getTimeout    = 20 * time.Second
	postTimeout   = 25 * time.Second

	// The device resets TCP connections under load; every call gets one
	// transparent retry after a short backoff.
	retryWait = 500 * time.Millisecond
)

// Status classifies a device status probe.
type Status string

const (
	StatusReady        Status = "ready"
	StatusUnauthorized Status = "unauthorized"
	StatusError        Status = "error"
)

// DeviceAuthError is a rejected Basic-auth exchange with the device.
type DeviceAuthError struct {
	StatusCode int
}

func (e *DeviceAuthError) Error() string {
	return fmt.Sprintf("device rejected credentials (HTTP %d)", e.StatusCode)
}

// DeviceProtocolError is an unexpected page shape or a failed verification.
type DeviceProtocolError struct {
	Msg string
}

func (e *DeviceProtocolError) Error() string { return "device protocol: " + e.Msg }

// InvalidSlotError is a slot outside the device's 1..32 range.
type InvalidSlotError struct {
	Slot int
}

func (e *InvalidSlotError) Error() string {
	return fmt.Sprintf("slot %d outside 1..%d", e.Slot, slotCount)
}

// Client is a thin client for the GOIP web interface. Callers must
// serialize calls against one device: the read-modify-write cycle on the
// configuration form races with itself.
type Client struct {
	base     string
	login    string
	password string
	http     *resty.Client
}

// New builds a device client from session device settings.
func New(dev *models.GoIPDevice) *Client {
	h := resty.New().
		SetRetryCount(1).
		SetRetryWaitTime(retryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil
		})
	if !dev.VerifyTLS {
		h.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return &Client{
		base:     strings.TrimRight(dev.BaseURL, "/"),
		login:    dev.Login,
		password: dev.Password,
		http:     h,
	}
}

// authHeaders returns the Basic header candidates. Credentials may contain
// non-ASCII characters and devices disagree on the expected encoding, so
// UTF-8 is tried first and Latin-1 second when it differs.
func (c *Client) authHeaders() []string {
	creds := c.login + ":" + c.password
	headers := []string{"Basic " + base64.StdEncoding.EncodeToString([]byte(creds))}
	if latin, ok := latin1(creds); ok && string(latin) != creds {
		headers = append(headers, "Basic "+base64.StdEncoding.EncodeToString(latin))
	}
	return headers
}

func latin1(s string) ([]byte, bool) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, false
		}
		out = append(out, byte(r))
	}
	return out, true
}

// statusURL points at the device status page unless the configured base
// already names an .html page directly.
func (c *Client) statusURL() string {
	u, err := url.Parse(c.base)
	if err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".html") {
		return c.base
	}
	return c.base + "/default/en_US/status.html"
}

// formURL derives the ata_in_setting page from the configured base URL's
// language prefix instead of hard-coding it.
func (c *Client) formURL() string {
	u, err := url.Parse(c.base)
	if err != nil {
		return c.base + "/default/en_US/config.html?type=ata_in_setting"
	}
	root := u.Scheme + "://" + u.Host
	langPrefix := "default/en_US"
	if parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' }); len(parts) >= 2 {
		langPrefix = parts[0] + "/" + parts[1]
	}
	return root + "/" + langPrefix + "/config.html?type=ata_in_setting"
}

// do issues a request under each auth header candidate until one is not
// rejected. The last response (or error) is returned.
func (c *Client) do(ctx context.Context, timeout time.Duration, build func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *resty.Response
	var err error
	for _, auth := range c.authHeaders() {
		req := c.http.R().
			SetContext(tctx).
			SetHeader("Authorization", auth).
			SetHeader("Cache-Control", "no-cache")
		resp, err = build(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != 401 && resp.StatusCode() != 403 {
			return resp, nil
		}
	}
	return resp, err
}

// CheckStatus probes the device status page and classifies the answer.
func (c *Client) CheckStatus(ctx context.Context) (Status, string) {
	resp, err := c.do(ctx, statusTimeout, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(c.statusURL())
	})
	if err != nil {
		return StatusError, fmt.Sprintf("network failure: %v", err)
	}
	switch {
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return StatusUnauthorized, fmt.Sprintf("HTTP %d: check device login/password", resp.StatusCode())
	case resp.StatusCode() != 200:
		return StatusError, fmt.Sprintf("unexpected status code %d", resp.StatusCode())
	}
	body := strings.ToLower(resp.String())
	for _, marker := range []string{"goip", "status", "imei", "signal", "gsm"} {
		if strings.Contains(body, marker) {
			return StatusReady, "device status page reachable"
		}
	}
	return StatusError, "HTTP 200 but the page does not look like a GOIP status page"
}

// SlotForExtension maps an extension number to the device slot its SIM
// occupies, given the first extension of the equipment block.
func SlotForExtension(ext string, rangeStart int) (int, error) {
	n, err := strconv.Atoi(ext)
	if err != nil {
		return 0, fmt.Errorf("extension %q is not numeric", ext)
	}
	slot := n - rangeStart + 1
	if slot < 1 || slot > slotCount {
		return 0, &InvalidSlotError{Slot: slot}
	}
	return slot, nil
}

// SetIncomingEnabled toggles forwarding-to-VoIP for one slot. The full form
// is read, only the targeted slot changed, the complete field set posted
// back, and the result verified by re-reading the form. A verification
// mismatch is a reported failure, never a silent success.
func (c *Client) SetIncomingEnabled(ctx context.Context, slot int, enabled bool) error {
	if slot < 1 || slot > slotCount {
		return &InvalidSlotError{Slot: slot}
	}

	fs, err := c.readForm(ctx)
	if err != nil {
		return err
	}

	data := buildFormData(fs, slot, enabled)

	formURL := c.formURL()
	resp, err := c.do(ctx, postTimeout, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetHeader("Referer", formURL).
			SetFormDataFromValues(toValues(data)).
			Post(formURL)
	})
	if err != nil {
		return fmt.Errorf("post device form: %w", err)
	}
	if code := resp.StatusCode(); code == 401 || code == 403 {
		return &DeviceAuthError{StatusCode: code}
	} else if code != 200 && code != 302 {
		return &DeviceProtocolError{Msg: fmt.Sprintf("device did not accept changes (HTTP %d)", code)}
	}

	verify, err := c.readForm(ctx)
	if err != nil {
		return fmt.Errorf("verify device form: %w", err)
	}
	if verify.forwardingEnabled(slot) != enabled {
		return &DeviceProtocolError{
			Msg: fmt.Sprintf("slot %d still reports fw_to_voip=%v after save", slot, verify.forwardingEnabled(slot)),
		}
	}
	log.Debug().Int("slot", slot).Bool("enabled", enabled).Msg("goip slot verified")
	return nil
}

func (c *Client) readForm(ctx context.Context) (*formState, error) {
	resp, err := c.do(ctx, getTimeout, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(c.formURL())
	})
	if err != nil {
		return nil, fmt.Errorf("get device form: %w", err)
	}
	if code := resp.StatusCode(); code == 401 || code == 403 {
		return nil, &DeviceAuthError{StatusCode: code}
	} else if code != 200 {
		return nil, &DeviceProtocolError{Msg: fmt.Sprintf("could not open form (HTTP %d)", code)}
	}
	fs, err := parseForm(resp.String())
	if err != nil {
		return nil, &DeviceProtocolError{Msg: err.Error()}
	}
	if !fs.sawSlots {
		return nil, &DeviceProtocolError{Msg: "page has no per-slot fields; not an ata_in_setting form"}
	}
	return fs, nil
}

func toValues(data map[string]string) url.Values {
	v := make(url.Values, len(data))
	for k, val := range data {
		v.Set(k, val)
	}
	return v
}
