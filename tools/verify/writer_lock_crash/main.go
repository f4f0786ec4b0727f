// writer_lock_crash exercises the single-writer lock across process death.
// Run -mode hold in one process and kill -9 it, then -mode takeover in a
// second process: the stale lock must be broken and re-acquired. While the
// holder is still alive, -mode expect-locked must be refused with ErrLocked.
//
// Usage:
//
//	go run ./tools/verify/writer_lock_crash/ -mode hold -state /tmp/drill &
//	kill -9 <pid>
//	go run ./tools/verify/writer_lock_crash/ -mode takeover -state /tmp/drill
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/mu-control/internal/journal"
)

func main() {
	mode := flag.String("mode", "", "hold|takeover|expect-locked")
	stateDir := flag.String("state", "", "path to the state dir")
	flag.Parse()

	if *mode == "" || *stateDir == "" {
		fmt.Fprintln(os.Stderr, "mode and state are required")
		os.Exit(2)
	}

	switch *mode {
	case "hold":
		lock, err := journal.AcquireLock(*stateDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "acquire lock: %v\n", err)
			os.Exit(1)
		}
		defer lock.Release()
		fmt.Printf("HOLDER_PID=%d\n", os.Getpid())
		for {
			time.Sleep(1 * time.Second)
		}
	case "takeover":
		before, err := journal.InspectLock(*stateDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspect lock: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("STALE_PRESENT=%t\n", before.Present)
		fmt.Printf("STALE_PID=%d\n", before.PID)
		fmt.Printf("STALE_ALIVE=%t\n", before.HolderAlive)
		if !before.Present || before.HolderAlive {
			fmt.Println("VERDICT FAIL")
			os.Exit(1)
		}
		lock, err := journal.AcquireLock(*stateDir)
		if err != nil {
			fmt.Printf("takeover_error=%v\n", err)
			fmt.Println("VERDICT FAIL")
			os.Exit(1)
		}
		after, err := journal.InspectLock(*stateDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspect lock: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("NEW_PID=%d\n", after.PID)
		if after.PID != os.Getpid() {
			fmt.Println("VERDICT FAIL")
			os.Exit(1)
		}
		if err := lock.Release(); err != nil {
			fmt.Printf("release_error=%v\n", err)
			fmt.Println("VERDICT FAIL")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	case "expect-locked":
		holder, err := journal.InspectLock(*stateDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspect lock: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("HELD_BY_PID=%d\n", holder.PID)
		fmt.Printf("HOLDER_ALIVE=%t\n", holder.HolderAlive)
		lock, err := journal.AcquireLock(*stateDir)
		if err == nil {
			lock.Release()
			fmt.Println("second_writer_acquired_held_lock=true")
			fmt.Println("VERDICT FAIL")
			os.Exit(1)
		}
		if !errors.Is(err, journal.ErrLocked) {
			fmt.Printf("unexpected_error=%v\n", err)
			fmt.Println("VERDICT FAIL")
			os.Exit(1)
		}
		fmt.Printf("REFUSED=%v\n", err)
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
