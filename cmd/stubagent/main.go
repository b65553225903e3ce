// Package main implements a stand-in agent for local development.
//
// Stubagent speaks the agent stdin/stdout contract: it reads one task
// as JSON from stdin, then emits NDJSON records (init, optional
// partials, terminal result) on stdout. Flags script its behavior so
// the supervisor and pipeline can be exercised without a real coding
// agent:
//
//	# Validator that always accepts
//	remedyd-roles.toml: validator = {binary = "stubagent", args = ["-role", "validator", "-score", "95"]}
//
//	# Producer that crashes mid-task
//	stubagent -role producer -crash
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/agent"
)

func main() {
	role := flag.String("role", "producer", "role to emulate (producer, validator, clarifier)")
	score := flag.Int("score", 95, "score the validator verdict reports")
	partials := flag.Int("partials", 2, "number of partial records to emit before the result")
	sleep := flag.Duration("sleep", 0, "delay before emitting the result")
	crash := flag.Bool("crash", false, "exit non-zero after partial output, without a result")
	malformed := flag.Bool("malformed", false, "exit cleanly without emitting a result record")
	fail := flag.Bool("fail", false, "emit a result with success=false")
	summary := flag.String("summary", "stub change", "summary carried on the result")
	flag.Parse()

	// Environment overrides let a single roles file drive many cases.
	if v := os.Getenv("STUB_SCORE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*score = n
		}
	}
	if os.Getenv("STUB_CRASH") == "1" {
		*crash = true
	}

	if err := run(*role, *score, *partials, *sleep, *crash, *malformed, *fail, *summary); err != nil {
		fmt.Fprintf(os.Stderr, "stubagent: %v\n", err)
		os.Exit(1)
	}
}

func run(role string, score, partials int, sleep time.Duration, crash, malformed, fail bool, summary string) error {
	var task agent.Task
	if err := json.NewDecoder(bufio.NewReader(os.Stdin)).Decode(&task); err != nil {
		return fmt.Errorf("failed to decode task from stdin: %w", err)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	emit := func(kind agent.RecordKind, data any) error {
		line, err := agent.EncodeRecord(kind, data)
		if err != nil {
			return err
		}
		if _, err := out.Write(line); err != nil {
			return err
		}
		if err := out.WriteByte('\n'); err != nil {
			return err
		}
		return out.Flush()
	}

	if err := emit(agent.RecordInit, agent.InitRecord{
		SessionID:    task.ID,
		Continuation: agent.ContinuationToken("stub-" + task.ID),
	}); err != nil {
		return err
	}

	for i := 0; i < partials; i++ {
		if err := emit(agent.RecordPartial, agent.PartialRecord{
			Text: fmt.Sprintf("working on %s (%d/%d)", task.ID, i+1, partials),
		}); err != nil {
			return err
		}
	}

	if crash {
		fmt.Fprintf(os.Stderr, "stubagent: simulated crash for task %s\n", task.ID)
		out.Flush()
		os.Exit(3)
	}
	if malformed {
		return nil
	}

	time.Sleep(sleep)

	payload, err := resultPayload(role, score, summary, task)
	if err != nil {
		return err
	}

	return emit(agent.RecordResult, agent.ResultRecord{
		Success: !fail,
		Payload: payload,
		Summary: summary,
	})
}

// resultPayload shapes the result for the role being emulated. The
// validator payload is a verdict; everything else reports a change.
func resultPayload(role string, score int, summary string, task agent.Task) (json.RawMessage, error) {
	if role == "validator" {
		status := "SOLVED"
		if score < 90 {
			status = "IN_PROGRESS"
		}
		return json.Marshal(map[string]any{
			"score":  score,
			"status": status,
			"findings": []map[string]string{
				{"severity": "info", "description": "stub validator reviewed " + task.ID},
			},
		})
	}
	return json.Marshal(map[string]any{
		"summary":       summary,
		"changed_files": []string{"stub.txt"},
	})
}
