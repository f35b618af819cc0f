package freebox

import (
	"context"
	"fmt"
	"net/http"
)

// System fetches system facts (uptime, sensors, firmware).
func (c *Client) System(ctx context.Context, sess *Session) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.do(ctx, http.MethodGet, "/system", sess.token(), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Connection fetches WAN connection state, rates and counters.
func (c *Client) Connection(ctx context.Context, sess *Session) (*ConnectionStatus, error) {
	var status ConnectionStatus
	if err := c.do(ctx, http.MethodGet, "/connection", sess.token(), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// LanHosts lists hosts seen on the public LAN interface.
func (c *Client) LanHosts(ctx context.Context, sess *Session) ([]LanHost, error) {
	hosts := []LanHost{}
	if err := c.do(ctx, http.MethodGet, "/lan/browser/pub", sess.token(), nil, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// WifiConfig fetches the global WiFi switch.
func (c *Client) WifiConfig(ctx context.Context, sess *Session) (*WifiConfig, error) {
	var cfg WifiConfig
	if err := c.do(ctx, http.MethodGet, "/wifi/config", sess.token(), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WifiAP fetches one radio's configuration and status.
func (c *Client) WifiAP(ctx context.Context, sess *Session, id int) (*WifiAP, error) {
	var ap WifiAP
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/wifi/ap/%d", id), sess.token(), nil, &ap); err != nil {
		return nil, err
	}
	ap.ID = id
	return &ap, nil
}
