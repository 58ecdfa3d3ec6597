// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package producer defines the contract with the external cutout engine.
//
// The engine owns all FITS reading and coordinate-projection math; from this
// side it is an opaque, slow, fallible function from an artifact request to
// artifact bytes. The shipped implementation talks to the engine over HTTP.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cardinalhq/skyrunner/internal/cutoutcache"
)

// ErrOutOfCoverage marks targets whose coordinates fall outside the archive.
// It is a per-target production error like any other, but worth telling
// apart in logs from transport failures.
var ErrOutOfCoverage = errors.New("target is outside archive coverage")

// Producer turns one artifact request into artifact bytes.
type Producer interface {
	Produce(ctx context.Context, req cutoutcache.Request) ([]byte, error)
}

// Func adapts a plain function to the Producer interface.
type Func func(ctx context.Context, req cutoutcache.Request) ([]byte, error)

func (f Func) Produce(ctx context.Context, req cutoutcache.Request) ([]byte, error) {
	return f(ctx, req)
}

// Config configures the HTTP client for the cutout engine.
type Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func DefaultConfig() Config {
	return Config{
		TimeoutSeconds: 120,
	}
}

// HTTP is a Producer backed by a cutout engine service.
type HTTP struct {
	endpoint string
	client   *http.Client
}

var _ Producer = (*HTTP)(nil)

func NewHTTP(cfg Config) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("producer endpoint is not configured")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(DefaultConfig().TimeoutSeconds) * time.Second
	}
	return &HTTP{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type produceRequest struct {
	TargetKey   string  `json:"target_key"`
	RA          float64 `json:"ra"`
	Dec         float64 `json:"dec"`
	Instrument  string  `json:"instrument"`
	Band        string  `json:"band"`
	ProductType string  `json:"product_type"`
	Size        int     `json:"size"`
}

// Produce posts the request to the engine and returns the artifact bytes.
// HTTP 404 and 422 mean the engine has no coverage for the coordinates.
func (h *HTTP) Produce(ctx context.Context, req cutoutcache.Request) ([]byte, error) {
	payload, err := json.Marshal(produceRequest{
		TargetKey:   req.TargetKey,
		RA:          req.Lon,
		Dec:         req.Lat,
		Instrument:  req.Instrument,
		Band:        req.Band,
		ProductType: req.ProductType,
		Size:        req.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode produce request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/cutout", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build produce request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cutout engine request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact bytes: %w", err)
		}
		if len(data) == 0 {
			return nil, errors.New("cutout engine returned an empty artifact")
		}
		return data, nil
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s (%.4f, %.4f)", ErrOutOfCoverage, req.TargetKey, req.Lon, req.Lat)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cutout engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
