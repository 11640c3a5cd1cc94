package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultHealthcheckURL = "http://127.0.0.1:8089/healthz"
	envHealthcheckURL     = "TUNEAGENT_HEALTHCHECK_URL"
)

type health struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

func resolveHealthcheckURL() string {
	if raw := strings.TrimSpace(os.Getenv(envHealthcheckURL)); raw != "" {
		return raw
	}
	return defaultHealthcheckURL
}

// probeHealth returns the session mode reported by a healthy agent.
func probeHealth(client *http.Client, healthURL string) (string, error) {
	resp, err := client.Get(healthURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected health status %d", resp.StatusCode)
	}
	var h health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return "", fmt.Errorf("decode health: %w", err)
	}
	if h.Status != "ok" {
		return "", fmt.Errorf("agent reports status %q", h.Status)
	}
	return h.Mode, nil
}

func main() {
	client := &http.Client{Timeout: 2 * time.Second}
	healthURL := resolveHealthcheckURL()
	mode, err := probeHealth(client, healthURL)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			fmt.Printf("Healthcheck timed out: %s\n", healthURL)
		} else {
			fmt.Printf("Healthcheck failed (%s): %v\n", healthURL, err)
		}
		os.Exit(1)
	}
	if mode != "" {
		fmt.Printf("tuneagent healthy, session mode %s\n", mode)
	}
	os.Exit(0)
}
