package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const schemeGRPC = "grpc"

// DefaultProbeTargets are independent endpoints on different providers.
var DefaultProbeTargets = []string{
	"https://www.cloudflare.com/favicon.ico",
	"https://www.google.com/favicon.ico",
	"https://cdn.jsdelivr.net/npm/lodash@4.17.21/lodash.min.js",
	"https://httpbin.org/status/200",
}

// HTTPProbe succeeds when the endpoint answers at all; the status code is not inspected.
type HTTPProbe struct {
	URL    string
	Method string
	Client *http.Client
}

func (probe HTTPProbe) Name() string {
	return probe.URL
}

func (probe HTTPProbe) Probe(ctx context.Context) error {
	method := probe.Method
	if method == "" {
		method = http.MethodHead
	}
	client := probe.Client
	if client == nil {
		client = http.DefaultClient
	}
	request, err := http.NewRequestWithContext(ctx, method, probe.URL, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Cache-Control", "no-cache")
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	return response.Body.Close()
}

// GRPCHealthProbe succeeds when a gRPC health service reports SERVING.
type GRPCHealthProbe struct {
	Target  string
	Service string
}

func (probe GRPCHealthProbe) Name() string {
	return schemeGRPC + "://" + probe.Target
}

func (probe GRPCHealthProbe) Probe(ctx context.Context) error {
	conn, err := grpc.NewClient(probe.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		return err
	}
	response, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: probe.Service})
	if err != nil {
		return err
	}
	if response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", response.GetStatus())
	}
	return nil
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc client connection shutdown")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// ParseProbe builds a probe from a target: http(s) URLs become HTTP probes and
// grpc://host:port[/service] becomes a gRPC health probe.
func ParseProbe(target string) (Probe, error) {
	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, fmt.Errorf("%w: probe %q: %w", ErrInvalidConfig, target, err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: probe %q has no host", ErrInvalidConfig, target)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return HTTPProbe{URL: parsed.String()}, nil
	case schemeGRPC:
		return GRPCHealthProbe{Target: parsed.Host, Service: strings.TrimPrefix(parsed.Path, "/")}, nil
	default:
		return nil, fmt.Errorf("%w: probe %q has unsupported scheme", ErrInvalidConfig, target)
	}
}

// ParseProbes builds one probe per target.
func ParseProbes(targets []string) ([]Probe, error) {
	probes := make([]Probe, 0, len(targets))
	for _, target := range targets {
		if strings.TrimSpace(target) == "" {
			continue
		}
		probe, err := ParseProbe(target)
		if err != nil {
			return nil, err
		}
		probes = append(probes, probe)
	}
	return probes, nil
}
