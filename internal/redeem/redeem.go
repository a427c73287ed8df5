// Package redeem converts winning conditional tokens back to USDC.
// The on-chain call goes through a relayer sidecar script; the engine only
// depends on the Redeemer capability and fires it asynchronously.
package redeem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Redemption statuses.
const (
	StatusSuccess     = "SUCCESS"
	StatusNotResolved = "NOT_RESOLVED"
	StatusNoBalance   = "NO_BALANCE"
	StatusTimeout     = "TIMEOUT"
	StatusDryRun      = "DRY_RUN"
	StatusError       = "ERROR"
)

const scriptTimeout = 30 * time.Second

// Result is the sidecar's verdict.
type Result struct {
	Status  string
	TxHash  string
	Message string
}

func (r Result) IsSuccess() bool { return r.Status == StatusSuccess }

// Redeemer triggers redemption of a resolved market's position.
type Redeemer interface {
	Redeem(ctx context.Context, conditionID string, negRisk bool) (Result, error)
}

// Credentials are handed to the sidecar via its environment.
type Credentials struct {
	PrivateKey        string
	APIKey            string
	APISecret         string
	Passphrase        string
	ProxyAddress      string
	BuilderAPIKey     string
	BuilderSecret     string
	BuilderPassphrase string
}

func (c Credentials) configured() bool {
	return c.PrivateKey != "" && c.BuilderAPIKey != "" && c.BuilderSecret != "" && c.BuilderPassphrase != ""
}

// ScriptRedeemer shells out to the relayer sidecar. The script prints its
// result as the last JSON line of stdout.
type ScriptRedeemer struct {
	Python string
	Script string
	Creds  Credentials
	DryRun bool
}

func NewScriptRedeemer(script string, creds Credentials, dryRun bool) *ScriptRedeemer {
	return &ScriptRedeemer{
		Python: ".venv-redeem/bin/python3",
		Script: script,
		Creds:  creds,
		DryRun: dryRun,
	}
}

func (s *ScriptRedeemer) Redeem(ctx context.Context, conditionID string, negRisk bool) (Result, error) {
	if s.DryRun {
		log.Info().Str("condition", shortID(conditionID)).Msg("🏷️ Dry-run, redeem skipped")
		return Result{Status: StatusDryRun, Message: "dry run, redeem skipped"}, nil
	}
	if !s.Creds.configured() {
		return Result{Status: StatusError, Message: "builder credentials not configured"}, nil
	}
	if conditionID == "" || conditionID == "unknown" {
		return Result{Status: StatusError, Message: "no conditionId available"}, nil
	}

	log.Info().Str("condition", shortID(conditionID)).Msg("🔄 Redeeming position")

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	args := []string{s.Script, conditionID}
	if negRisk {
		args = append(args, "--neg-risk")
	}
	cmd := exec.CommandContext(ctx, s.Python, args...)
	cmd.Env = append(os.Environ(),
		"POLY_PRIVATE_KEY="+s.Creds.PrivateKey,
		"POLY_API_KEY="+s.Creds.APIKey,
		"POLY_API_SECRET="+s.Creds.APISecret,
		"POLY_PASSPHRASE="+s.Creds.Passphrase,
		"POLY_PROXY_ADDRESS="+s.Creds.ProxyAddress,
		"BUILDER_API_KEY="+s.Creds.BuilderAPIKey,
		"BUILDER_SECRET="+s.Creds.BuilderSecret,
		"BUILDER_PASSPHRASE="+s.Creds.BuilderPassphrase,
	)

	output, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn().Str("condition", shortID(conditionID)).Msg("⏰ Redeem script timed out")
		return Result{Status: StatusTimeout, Message: "redeem script timed out"}, nil
	}
	raw := strings.TrimSpace(string(output))
	if err != nil && raw == "" {
		return Result{Status: StatusError, Message: err.Error()}, nil
	}
	if raw == "" {
		return Result{Status: StatusError, Message: "no output from redeem script"}, nil
	}

	var parsed struct {
		Status  string `json:"status"`
		TxHash  string `json:"tx_hash"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(lastJSONLine(raw)), &parsed); err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("unparseable output: %s", raw)}, nil
	}

	result := Result{Status: parsed.Status, TxHash: parsed.TxHash, Message: parsed.Message}
	if result.Status == "" {
		result.Status = StatusError
	}
	switch result.Status {
	case StatusSuccess:
		log.Info().Str("tx", shortID(result.TxHash)).Msg("✅ Redeem succeeded")
	case StatusNotResolved:
		log.Info().Str("condition", shortID(conditionID)).Msg("⏳ Market not resolved yet")
	case StatusNoBalance:
		log.Info().Str("condition", shortID(conditionID)).Msg("📭 Nothing to redeem")
	default:
		log.Warn().Str("status", result.Status).Str("msg", result.Message).Msg("❌ Redeem failed")
	}
	return result, nil
}

// lastJSONLine skips any sidecar logging mixed into stdout.
func lastJSONLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") {
			return line
		}
	}
	return output
}

func shortID(id string) string {
	if len(id) < 12 {
		return id
	}
	return id[:12] + "..."
}

// Worker serializes redemption calls on a single consumer goroutine.
type Worker struct {
	redeemer Redeemer
	jobs     chan job
	stopCh   chan struct{}
}

type job struct {
	conditionID string
	negRisk     bool
}

func NewWorker(r Redeemer) *Worker {
	return &Worker{
		redeemer: r,
		jobs:     make(chan job, 16),
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go w.loop()
}

func (w *Worker) Stop() {
	close(w.stopCh)
}

// Enqueue never blocks; an overflowing queue drops the job (the balance
// sync still picks up whatever arrives on-chain).
func (w *Worker) Enqueue(conditionID string, negRisk bool) {
	select {
	case w.jobs <- job{conditionID: conditionID, negRisk: negRisk}:
	default:
		log.Warn().Str("condition", shortID(conditionID)).Msg("Redeem queue full, dropped")
	}
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case j := <-w.jobs:
			if _, err := w.redeemer.Redeem(context.Background(), j.conditionID, j.negRisk); err != nil {
				log.Error().Err(err).Msg("Redeem call failed")
			}
		}
	}
}
