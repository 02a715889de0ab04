// Command opsguardctl drives the gateway from the terminal: propose actions,
// record approval decisions, and trigger execution or rollback.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"opsguard/pkg/agentsdk"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "propose":
		return propose(args[1:], out)
	case "approve":
		return decide(args[1:], out, "approve")
	case "reject":
		return decide(args[1:], out, "reject")
	case "execute":
		return execute(args[1:], out)
	case "rollback-request":
		return rollback(args[1:], out, "request")
	case "rollback-approve":
		return rollback(args[1:], out, "approve")
	case "rollback-execute":
		return rollback(args[1:], out, "execute")
	case "get":
		return get(args[1:], out)
	case "list":
		return list(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "opsguardctl commands:")
	fmt.Fprintln(out, "  propose --tenant acme --run-id r1 --action-type http_probe --payload payload.json [--rollback-payload rb.json] [--guidance \"...\"]")
	fmt.Fprintln(out, "  approve --id <action-id> [--reason \"...\"]")
	fmt.Fprintln(out, "  reject --id <action-id> [--reason \"...\"]")
	fmt.Fprintln(out, "  execute --id <action-id>")
	fmt.Fprintln(out, "  rollback-request|rollback-approve|rollback-execute --id <action-id> [--reason \"...\"]")
	fmt.Fprintln(out, "  get --id <action-id>")
	fmt.Fprintln(out, "  list --tenant acme [--status COMPLETED] [--limit 20]")
	fmt.Fprintln(out, "environment: OPSGUARD_URL (default http://localhost:8080), OPSGUARD_TOKEN")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func newClient() *agentsdk.Client {
	c := agentsdk.NewClient(env("OPSGUARD_URL", "http://localhost:8080"), 15*time.Second)
	c.AuthToken = env("OPSGUARD_TOKEN", "")
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func printRecord(out io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func propose(args []string, out io.Writer) error {
	fs := newFlagSet("propose")
	tenant := fs.String("tenant", "", "tenant id")
	runID := fs.String("run-id", "", "agent run id")
	actionType := fs.String("action-type", "", "action type")
	payloadPath := fs.String("payload", "", "payload json file")
	rollbackPath := fs.String("rollback-payload", "", "rollback payload json file")
	guidance := fs.String("guidance", "", "manual rollback guidance")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" || *actionType == "" || *payloadPath == "" {
		return errors.New("tenant, action-type, payload required")
	}
	payload, err := os.ReadFile(*payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(payload) {
		return errors.New("payload is not valid json")
	}
	var rollbackPayload json.RawMessage
	if *rollbackPath != "" {
		raw, err := os.ReadFile(*rollbackPath)
		if err != nil {
			return fmt.Errorf("read rollback payload: %w", err)
		}
		if !json.Valid(raw) {
			return errors.New("rollback payload is not valid json")
		}
		rollbackPayload = raw
	}
	rec, err := newClient().ProposeAction(context.Background(), agentsdk.ProposeActionRequest{
		Tenant:                 *tenant,
		RunID:                  *runID,
		ActionType:             *actionType,
		Payload:                payload,
		RollbackPayload:        rollbackPayload,
		ManualRollbackGuidance: *guidance,
	})
	if err != nil {
		return fmt.Errorf("propose: %w", err)
	}
	return printRecord(out, rec)
}

func decide(args []string, out io.Writer, verb string) error {
	fs := newFlagSet(verb)
	id := fs.String("id", "", "action record id")
	reason := fs.String("reason", "", "decision reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	client := newClient()
	ctx := context.Background()
	var err error
	var rec any
	if verb == "approve" {
		rec, err = client.Approve(ctx, *id, *reason)
	} else {
		rec, err = client.Reject(ctx, *id, *reason)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	return printRecord(out, rec)
}

func execute(args []string, out io.Writer) error {
	fs := newFlagSet("execute")
	id := fs.String("id", "", "action record id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	rec, err := newClient().Execute(context.Background(), *id)
	if err != nil {
		if wait, ok := agentsdk.IsThrottled(err); ok {
			return fmt.Errorf("execute throttled, retry in %ds", wait)
		}
		return fmt.Errorf("execute: %w", err)
	}
	return printRecord(out, rec)
}

func rollback(args []string, out io.Writer, phase string) error {
	fs := newFlagSet("rollback-" + phase)
	id := fs.String("id", "", "action record id")
	reason := fs.String("reason", "", "decision reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	client := newClient()
	ctx := context.Background()
	var rec any
	var err error
	switch phase {
	case "request":
		rec, err = client.RequestRollback(ctx, *id)
	case "approve":
		rec, err = client.ApproveRollback(ctx, *id, *reason)
	default:
		rec, err = client.ExecuteRollback(ctx, *id)
		if err != nil {
			if wait, ok := agentsdk.IsThrottled(err); ok {
				return fmt.Errorf("rollback throttled, retry in %ds", wait)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("rollback %s: %w", phase, err)
	}
	return printRecord(out, rec)
}

func get(args []string, out io.Writer) error {
	fs := newFlagSet("get")
	id := fs.String("id", "", "action record id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	rec, err := newClient().GetAction(context.Background(), *id)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	return printRecord(out, rec)
}

func list(args []string, out io.Writer) error {
	fs := newFlagSet("list")
	tenant := fs.String("tenant", "", "tenant id")
	runID := fs.String("run-id", "", "agent run id")
	status := fs.String("status", "", "status filter")
	actionType := fs.String("action-type", "", "action type filter")
	limit := fs.Int("limit", 0, "max records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" {
		return errors.New("tenant required")
	}
	records, err := newClient().ListActions(context.Background(), agentsdk.ListFilter{
		Tenant:     *tenant,
		RunID:      *runID,
		Status:     *status,
		ActionType: *actionType,
		Limit:      *limit,
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	return printRecord(out, records)
}
