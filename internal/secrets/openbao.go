package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrOpenBaoSecretNotFound = errors.New("openbao secret path not found")

// OpenBaoConfig points at a KV v2 secret holding PAYPAL_*, SUPABASE_* and
// BOOKING_DB_* credentials.
type OpenBaoConfig struct {
	Addr       string
	Token      string
	Mount      string
	SecretPath string
	Namespace  string
}

// Enabled reports whether enough settings are present to reach OpenBao.
func (c OpenBaoConfig) Enabled() bool {
	return c.Addr != "" && c.Token != "" && c.SecretPath != ""
}

// OpenBaoConfigFromEnv reads OPENBAO_ADDR, OPENBAO_TOKEN, OPENBAO_SECRET_PATH,
// OPENBAO_MOUNT and OPENBAO_NAMESPACE.
func OpenBaoConfigFromEnv() OpenBaoConfig {
	mount := strings.Trim(strings.TrimSpace(os.Getenv("OPENBAO_MOUNT")), "/")
	if mount == "" {
		mount = "secret"
	}
	return OpenBaoConfig{
		Addr:       strings.TrimRight(strings.TrimSpace(os.Getenv("OPENBAO_ADDR")), "/"),
		Token:      os.Getenv("OPENBAO_TOKEN"),
		Mount:      mount,
		SecretPath: strings.Trim(strings.TrimSpace(os.Getenv("OPENBAO_SECRET_PATH")), "/"),
		Namespace:  strings.TrimSpace(os.Getenv("OPENBAO_NAMESPACE")),
	}
}

// BootstrapFromOpenBao exports the secret's keys as environment variables so
// config.Load sees them. It is a no-op when OpenBao is not configured and
// returns the names of the variables it set.
func BootstrapFromOpenBao(ctx context.Context, cfg OpenBaoConfig, httpClient *http.Client) ([]string, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 5 * time.Second}
	}

	values, err := readSecrets(ctx, cfg, httpClient)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if err := os.Setenv(k, v); err != nil {
			return keys, fmt.Errorf("export %s: %w", k, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func readSecrets(ctx context.Context, cfg OpenBaoConfig, client *http.Client) (map[string]string, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%s/v1/%s/data/%s", cfg.Addr, cfg.Mount, cfg.SecretPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create OpenBao request: %w", err)
	}

	req.Header.Set("X-Vault-Token", cfg.Token)
	if cfg.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", cfg.Namespace)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call OpenBao: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrOpenBaoSecretNotFound
	default:
		return nil, fmt.Errorf("openbao request failed: status=%d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			Data map[string]json.RawMessage `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode OpenBao response: %w", err)
	}

	out := make(map[string]string, len(payload.Data.Data))
	for k, raw := range payload.Data.Data {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			out[k] = s
			continue
		}
		var n json.Number
		if json.Unmarshal(raw, &n) == nil {
			out[k] = n.String()
			continue
		}
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			out[k] = fmt.Sprint(b)
		}
		// objects and arrays are skipped
	}
	return out, nil
}
