/*
Package main implements a small client for the arbitrage monitor.

It probes the server's gRPC health service and prints the opportunities of
the last cycle from the HTTP API. With -stream it stays connected and logs
every cycle as the server pushes it.

Usage:

	go run main.go -addr=localhost:50051 -api=http://localhost:8080 -profitable -symbols=BTCUSDT,ETHUSDT
*/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Command-line flags for the client
var (
	serverAddr = flag.String("addr", "localhost:50051", "The gRPC server address in the format host:port")
	apiURL     = flag.String("api", "http://localhost:8080", "Base URL of the HTTP API")
	profitable = flag.Bool("profitable", false, "Only show opportunities above the profit threshold")
	symbols    = flag.String("symbols", "", "Comma-separated list of symbols to show (default all)")
	stream     = flag.Bool("stream", false, "Keep receiving opportunities after every cycle")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	status, err := checkHealth(ctx, *serverAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("health check failed")
	}
	log.Info().Str("addr", *serverAddr).Str("status", status.String()).Msg("server health")

	client := &http.Client{}
	if !*stream {
		client.Timeout = 10 * time.Second
		resp, err := fetchOpportunities(ctx, client)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to fetch opportunities")
		}
		printOpportunities(log, resp)
		return
	}

	if err := streamOpportunities(ctx, client, func(resp api.OpportunitiesResponse) {
		printOpportunities(log, resp)
	}); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("stream failed")
	}
	log.Info().Msg("stream has closed")
}

func checkHealth(ctx context.Context, addr string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, fmt.Errorf("did not connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func fetchOpportunities(ctx context.Context, client *http.Client) (api.OpportunitiesResponse, error) {
	var out api.OpportunitiesResponse

	q := url.Values{}
	if *profitable {
		q.Set("profitable", "true")
	}
	if *symbols != "" {
		q.Set("symbol", *symbols)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint("/api/v1/opportunities", q), nil)
	if err != nil {
		return out, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return out, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
	}

	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

// streamOpportunities reads server-sent events until ctx is cancelled or the
// server closes the stream.
func streamOpportunities(ctx context.Context, client *http.Client, onEvent func(api.OpportunitiesResponse)) error {
	q := url.Values{}
	if *profitable {
		q.Set("profitable", "true")
	}
	if *symbols != "" {
		q.Set("symbols", *symbols)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint("/api/v1/opportunities/stream", q), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var event api.OpportunitiesResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		onEvent(event)
	}
	return scanner.Err()
}

func printOpportunities(log zerolog.Logger, resp api.OpportunitiesResponse) {
	log.Info().
		Int("count", resp.Count).
		Bool("profitable", resp.Profitable).
		Str("computed_at", resp.ComputedAt.Format(time.RFC3339)).
		Msg("received opportunities")

	for _, o := range resp.Opportunities {
		log.Info().
			Str("pair", o.Symbol).
			Str("buy", o.BuyExchange).
			Str("sell", o.SellExchange).
			Str("buy_price", o.BuyPrice.String()).
			Str("sell_price", o.SellPrice.String()).
			Str("profit_pct", o.EstimatedProfitPct.StringFixed(4)).
			Msg("opportunity")
	}
}

func endpoint(path string, q url.Values) string {
	u := strings.TrimRight(*apiURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// validateConfig ensures the client has somewhere to connect to.
func validateConfig() error {
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if _, err := url.ParseRequestURI(*apiURL); err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	return nil
}
