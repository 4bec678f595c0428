package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/grail/internal/persistence"
)

const recoveryReason = "interrupted by restart"

// Run as prepare, then claim-sleep (kill -9 it), then recover.
func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		taskID, err := store.EnqueueTask(ctx, persistence.NewTask{
			Provider:   "verify",
			ChannelID:  "lease-crash",
			PromptText: "lease-crash",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%d\n", taskID)
	case "claim-sleep":
		task, err := store.ClaimNextTask(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%d\n", task.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.FailInterruptedTasks(ctx, recoveryReason)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fail interrupted tasks: %v\n", err)
			os.Exit(1)
		}
		tasks, err := store.ListRecentTasks(ctx, 100)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		pass := true
		for _, task := range tasks {
			errText := ""
			if task.ErrorText != nil {
				errText = *task.ErrorText
			}
			fmt.Printf("TASK_STATUS id=%d status=%s error=%q\n", task.ID, task.Status, errText)
			if task.Status == persistence.TaskStatusRunning {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: tasks still running after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
