package models

import (
	"time"
)

// Session is one authenticated binding to a PBX instance. A session is not
// safe for concurrent use from two batches; callers serialize against it.
type Session struct {
	Key          string `json:"key"`
	BaseURL      string `json:"base_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	VerifyTLS    bool   `json:"verify_tls"`

	// Bearer token cache, mutated only by token refresh.
	Token       string    `json:"-"`
	TokenExpiry time.Time `json:"-"`

	SSH  *SSHCredentials `json:"ssh,omitempty"`
	DB   *DBCredentials  `json:"db,omitempty"`
	GoIP *GoIPDevice     `json:"goip,omitempty"`
}

// SSHCredentials reach the PBX host shell for operations the GraphQL API
// cannot perform.
type SSHCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// DBCredentials reach the PBX database over plain TCP, for deployments
// where the database port is reachable without the SSH hop.
type DBCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// GoIPDevice describes the GSM gateway web interface.
type GoIPDevice struct {
	BaseURL   string `json:"base_url"`
	Login     string `json:"login"`
	Password  string `json:"password"`
	VerifyTLS bool   `json:"verify_tls"`
}

// Extension is a numbered SIP endpoint on the PBX.
type Extension struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// InboundRoute matches a DID and sends the call to a destination dial string.
type InboundRoute struct {
	ID          string `json:"id"`
	DID         string `json:"extension"`
	Description string `json:"description"`
	Destination string `json:"destination"`
}

// TrunkSipServer reports a trunk sip_server rewrite done over the
// secondary channel.
type TrunkSipServer struct {
	TrunkID   string `json:"trunk_id"`
	TrunkName string `json:"trunk_name"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
}

// SecretChange reports an extension secret rewrite done over the
// secondary channel.
type SecretChange struct {
	Extension  string `json:"ext"`
	OldValue   string `json:"old_value"`
	NewValue   string `json:"new_value"`
	Tech       string `json:"tech"`
	MD5Present bool   `json:"md5_present"`
}

// OutboundRouteResult reports a bulk outbound route creation.
type OutboundRouteResult struct {
	RouteID         string   `json:"route_id"`
	RouteName       string   `json:"route_name"`
	PatternsCreated int      `json:"patterns_created"`
	TrunksBound     []string `json:"trunks_bound"`
}
