package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CLI client for the projection server API
type CLI struct {
	baseURL string
	token   string
	client  *http.Client
	out     io.Writer
}

// AuthResponse represents the login response
type AuthResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

func main() {
	var (
		host      = flag.String("host", "http://localhost:2403", "projection server URL")
		masterKey = flag.String("master-key", os.Getenv("PROJECTIONS_MASTER_KEY"), "master key for authentication")
		command   = flag.String("cmd", "", "command to execute (login, list, get, put, delete, sources, partitions, state, result, feed, metrics)")
		name      = flag.String("name", "", "projection name")
		file      = flag.String("file", "", "query file (for put) or events file (for feed)")
		data      = flag.String("data", "", "event JSON (for feed)")
		partition = flag.String("partition", "", "partition (for state, result)")
	)
	flag.Parse()

	cli := &CLI{
		baseURL: strings.TrimRight(*host, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		out:     os.Stdout,
	}

	if err := cli.run(*command, *name, *file, *data, *partition, *masterKey); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if err == errUsage {
			usage()
		}
		os.Exit(1)
	}
}

var errUsage = fmt.Errorf("invalid arguments")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: projection-cli -cmd=<command> [options]\n")
	fmt.Fprintf(os.Stderr, "Commands: login, list, get, put, delete, sources, partitions, state, result, feed, metrics\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  projection-cli -cmd=login -master-key=<key>\n")
	fmt.Fprintf(os.Stderr, "  projection-cli -cmd=put -name=orders -file=orders.js\n")
	fmt.Fprintf(os.Stderr, "  projection-cli -cmd=feed -name=orders -data='{\"streamId\":\"order-1\",\"eventType\":\"OrderPlaced\"}'\n")
	flag.PrintDefaults()
}

func (c *CLI) run(command, name, file, data, partition, masterKey string) error {
	needName := func() error {
		if name == "" {
			return errUsage
		}
		return nil
	}
	path := "/projections/" + url.PathEscape(name)

	switch command {
	case "login":
		if masterKey == "" {
			return errUsage
		}
		if err := c.login(masterKey); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Login successful!")
		return nil

	case "list":
		return c.request("GET", "/projections", "", nil)

	case "get", "sources", "partitions":
		if err := needName(); err != nil {
			return err
		}
		if command != "get" {
			path += "/" + command
		}
		return c.request("GET", path, "", nil)

	case "state", "result":
		if err := needName(); err != nil {
			return err
		}
		path += "/" + command
		if partition != "" {
			path += "?partition=" + url.QueryEscape(partition)
		}
		return c.request("GET", path, "", nil)

	case "put":
		if err := needName(); err != nil {
			return err
		}
		if file == "" {
			return errUsage
		}
		query, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		c.loadToken()
		path += "?file=" + url.QueryEscape(filepath.Base(file))
		return c.request("PUT", path, "application/javascript", bytes.NewReader(query))

	case "delete":
		if err := needName(); err != nil {
			return err
		}
		c.loadToken()
		return c.request("DELETE", path, "", nil)

	case "feed":
		if err := needName(); err != nil {
			return err
		}
		body := []byte(data)
		if file != "" {
			var err error
			if body, err = os.ReadFile(file); err != nil {
				return err
			}
		}
		if len(body) == 0 {
			return errUsage
		}
		c.loadToken()
		return c.request("POST", path+"/events", "application/json", bytes.NewReader(body))

	case "metrics":
		c.loadToken()
		p := "/metrics"
		if name != "" {
			p += "?projection=" + url.QueryEscape(name)
		}
		return c.request("GET", p, "", nil)
	}
	return errUsage
}

func tokenFile() string {
	return os.ExpandEnv("$HOME/.projections-token")
}

func (c *CLI) login(masterKey string) error {
	payload, _ := json.Marshal(map[string]string{"masterKey": masterKey})

	resp, err := c.client.Post(c.baseURL+"/auth/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("login failed: %s", body)
	}

	var authResp AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return err
	}
	c.token = authResp.Token

	// Save token to file
	return os.WriteFile(tokenFile(), []byte(authResp.Token), 0600)
}

func (c *CLI) loadToken() {
	if c.token != "" {
		return
	}
	data, err := os.ReadFile(tokenFile())
	if err == nil {
		c.token = strings.TrimSpace(string(data))
	}
}

func (c *CLI) request(method, path, contentType string, body io.Reader) error {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Pretty print JSON response
	if len(raw) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, raw, "", "  ") == nil {
			fmt.Fprintln(c.out, pretty.String())
		} else {
			fmt.Fprintln(c.out, string(raw))
		}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
