package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/HsiangNianian/tabrelay/internal/app"
)

// daemonClient talks to the local HTTP API of a running daemon.
type daemonClient struct {
	baseURL string
	http    *http.Client
}

func newDaemonClient(listenAddr string) *daemonClient {
	return &daemonClient{
		baseURL: "http://" + dialAddr(listenAddr),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// dialAddr turns a listen address into one a client can dial. Wildcard
// and empty hosts mean the daemon listens on loopback too.
func dialAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (c *daemonClient) status() (app.StatusReport, error) {
	resp, err := c.http.Get(c.baseURL + "/status")
	if err != nil {
		return app.StatusReport{}, err
	}
	return decodeReport(resp)
}

func (c *daemonClient) connect(endpoint, identity string) (app.StatusReport, error) {
	body, err := json.Marshal(map[string]string{"endpoint": endpoint, "identity": identity})
	if err != nil {
		return app.StatusReport{}, err
	}
	resp, err := c.http.Post(c.baseURL+"/connect", "application/json", bytes.NewReader(body))
	if err != nil {
		return app.StatusReport{}, err
	}
	return decodeReport(resp)
}

func (c *daemonClient) disconnect() (app.StatusReport, error) {
	resp, err := c.http.Post(c.baseURL+"/disconnect", "application/json", nil)
	if err != nil {
		return app.StatusReport{}, err
	}
	return decodeReport(resp)
}

// errDaemon is an error reported by a reachable daemon, as opposed to a
// transport failure.
type errDaemon struct {
	status int
	msg    string
}

func (e *errDaemon) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.status, e.msg)
}

func decodeReport(resp *http.Response) (app.StatusReport, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return app.StatusReport{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = string(bytes.TrimSpace(data))
		}
		return app.StatusReport{}, &errDaemon{status: resp.StatusCode, msg: body.Error}
	}
	var report app.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		return app.StatusReport{}, fmt.Errorf("decode status failed: %w", err)
	}
	return report, nil
}
