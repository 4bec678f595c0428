package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "grail-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "grail.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	for i := 0; i < 40; i++ {
		taskID, err := store.EnqueueTask(ctx, persistence.NewTask{
			Provider:   "verify",
			ChannelID:  "backup",
			PromptText: fmt.Sprintf("backup-%d", i),
		})
		if err != nil {
			fmt.Printf("enqueue_task_error=%v\n", err)
			os.Exit(1)
		}
		task, err := store.ClaimNextTask(ctx)
		if err != nil || task == nil {
			fmt.Printf("claim_task_error=%v task=%v\n", err, task == nil)
			os.Exit(1)
		}
		if err := store.CompleteTaskSuccess(ctx, taskID, "ok"); err != nil {
			fmt.Printf("complete_task_error=%v\n", err)
			os.Exit(1)
		}
	}
	err = store.InsertGuardrailRule(ctx, policy.Rule{
		ID: "deny-mkfs", Name: "mkfs", Kind: policy.KindCommand, PatternKind: "substring",
		Pattern: "mkfs", Action: policy.ActionDeny, Priority: 10, Enabled: true,
	}, persistence.RuleSourceAdmin)
	if err != nil {
		fmt.Printf("insert_rule_error=%v\n", err)
		os.Exit(1)
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	tasks, err := restoreStore.ListRecentTasks(ctx, 100)
	if err != nil {
		fmt.Printf("list_tasks_error=%v\n", err)
		os.Exit(1)
	}
	rules, err := restoreStore.ListGuardrailRules(ctx, persistence.GuardrailFilter{EnabledOnly: true})
	if err != nil {
		fmt.Printf("list_rules_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", len(tasks))
	fmt.Printf("restored_rules=%d\n", len(rules))

	if len(tasks) < 40 || len(rules) != 1 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
