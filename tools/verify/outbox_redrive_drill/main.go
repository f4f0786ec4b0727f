// outbox_redrive_drill walks one outbound message through the full outbox
// lifecycle in a throwaway state dir: enqueue with a dedupe key, fail it to
// the dead letter queue, redrive it, reopen the journal, and deliver it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/mu-control/internal/outbox"
)

const dedupeKey = "redrive-drill-1"

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}

func main() {
	stateDir := flag.String("state", "", "path to the state dir")
	flag.Parse()

	if *stateDir == "" {
		fmt.Fprintln(os.Stderr, "state is required")
		os.Exit(2)
	}
	if err := os.MkdirAll(*stateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create state dir: %v\n", err)
		os.Exit(1)
	}

	store, err := outbox.Open(*stateDir, outbox.Options{MaxAttempts: 3})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open outbox: %v\n", err)
		os.Exit(1)
	}

	payload := json.RawMessage(`{"text":"redrive drill"}`)
	entry, err := store.Enqueue("slack", outbox.KindCommandReply, payload, dedupeKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("enqueued_id=%s\n", entry.OutboxID)

	dup, err := store.Enqueue("slack", outbox.KindCommandReply, payload, dedupeKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue duplicate: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("dedupe_returned_id=%s\n", dup.OutboxID)
	if dup.OutboxID != entry.OutboxID {
		fail("dedupe minted a second entry")
	}

	for i := 0; i < 3; i++ {
		entry, err = store.MarkFailed(entry.OutboxID, "connect timeout")
		if err != nil {
			fmt.Fprintf(os.Stderr, "mark failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("attempt=%d status=%s\n", entry.Attempt, entry.Status)
	}
	if entry.Status != outbox.StatusDeadLetter {
		fail("want dead_letter after exhausting attempts, got %s", entry.Status)
	}
	if !strings.HasPrefix(entry.DeadReason, "max_attempts_exhausted") {
		fail("dead_reason=%q does not name exhaustion", entry.DeadReason)
	}
	fmt.Printf("dead_reason=%s\n", entry.DeadReason)

	pending, delivered, dead := store.Counts()
	fmt.Printf("counts pending=%d delivered=%d dead=%d\n", pending, delivered, dead)
	if pending != 0 || delivered != 0 || dead != 1 {
		fail("counts after dead-letter are wrong")
	}

	entry, err = store.Redrive(entry.OutboxID, "cmd-drill")
	if err != nil {
		fmt.Fprintf(os.Stderr, "redrive: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("redriven_id=%s status=%s attempt=%d requested_by=%s\n",
		entry.OutboxID, entry.Status, entry.Attempt, entry.RedrivenBy)
	if entry.Status != outbox.StatusPending || entry.Attempt != 0 {
		fail("redrive did not reset the attempt budget")
	}
	if entry.LastError != "" || entry.DeadReason != "" {
		fail("redrive left stale failure fields")
	}
	if entry.RedrivenBy != "cmd-drill" {
		fail("redrive did not record the requester")
	}
	due := store.Pending(time.Now().UnixMilli())
	if len(due) != 1 || due[0].OutboxID != entry.OutboxID {
		fail("redriven entry is not due for immediate delivery")
	}

	// Reopen from the journal: the redriven state and the dedupe index
	// both have to survive a restart.
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close outbox: %v\n", err)
		os.Exit(1)
	}
	store, err = outbox.Open(*stateDir, outbox.Options{MaxAttempts: 3})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reopen outbox: %v\n", err)
		os.Exit(1)
	}
	replayed, ok := store.Get(entry.OutboxID)
	if !ok {
		fail("entry missing after reopen")
	}
	fmt.Printf("replayed_status=%s attempt=%d requested_by=%s\n",
		replayed.Status, replayed.Attempt, replayed.RedrivenBy)
	if replayed.Status != outbox.StatusPending || replayed.Attempt != 0 || replayed.RedrivenBy != "cmd-drill" {
		fail("replay lost the redriven state")
	}
	dup, err = store.Enqueue("slack", outbox.KindCommandReply, payload, dedupeKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue after reopen: %v\n", err)
		os.Exit(1)
	}
	if dup.OutboxID != entry.OutboxID {
		fail("dedupe index lost across reopen")
	}

	if err := store.MarkDelivered(entry.OutboxID); err != nil {
		fmt.Fprintf(os.Stderr, "mark delivered: %v\n", err)
		os.Exit(1)
	}
	pending, delivered, dead = store.Counts()
	fmt.Printf("counts pending=%d delivered=%d dead=%d\n", pending, delivered, dead)
	if pending != 0 || delivered != 1 || dead != 0 {
		fail("counts after delivery are wrong")
	}

	fmt.Println("VERDICT PASS")
}
