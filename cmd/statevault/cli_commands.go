// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statevault/services/statestore"
	"github.com/AleutianAI/statevault/services/statestore/audit"
	"github.com/AleutianAI/statevault/services/statestore/lock"
	"github.com/AleutianAI/statevault/services/statestore/recovery"
	"github.com/AleutianAI/statevault/services/statestore/snapshot"
)

var (
	rootCmd = &cobra.Command{
		Use:   "statevault",
		Short: "A CLI to manage a statevault store",
		Long: `Statevault keeps a directory tree of versioned records with
transactional writes, snapshots, and an audit journal. This CLI is the
operator surface: inspect and edit records, take and restore snapshots,
tail the audit journal, and verify the tree after a crash.`,
	}

	configPath string
	rootDir    string
	quiet      bool

	initCmd = &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a default statevault.yaml for the given root",
		Args:  cobra.MaximumNArgs(1),
		Run:   runInit,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Run the recovery pass and print its report",
		Long: `Sweeps stale leases and orphaned temp files, resumes any
interrupted restore, integrity-checks every record, and repairs corrupt
records from the newest intact snapshot. Exits non-zero when damage
could not be repaired.`,
		Run: runVerify,
	}

	getCmd = &cobra.Command{
		Use:   "get [path]",
		Short: "Print the record at a state path",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}
	showMeta bool

	putCmd = &cobra.Command{
		Use:   "put [path] [payload]",
		Short: "Write a record at a state path (payload from arg or stdin)",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runPut,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [path]",
		Short: "Remove the record at a state path",
		Args:  cobra.ExactArgs(1),
		Run:   runDelete,
	}

	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Manage snapshots of the state tree",
	}
	snapshotCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Capture a consistent snapshot of the current tree",
		Run:   runSnapshotCreate,
	}
	snapshotNote    string
	snapshotListCmd = &cobra.Command{
		Use:   "list",
		Short: "List snapshots, oldest first",
		Run:   runSnapshotList,
	}
	snapshotRestoreCmd = &cobra.Command{
		Use:   "restore [snapshot-id]",
		Short: "Rewrite the tree from a snapshot",
		Args:  cobra.ExactArgs(1),
		Run:   runSnapshotRestore,
	}
	snapshotPruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Remove all but the newest snapshots",
		Run:   runSnapshotPrune,
	}
	pruneKeep int

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect the committed-mutation journal",
	}
	auditTailCmd = &cobra.Command{
		Use:   "tail [n]",
		Short: "Print the newest n audit entries (default 20)",
		Args:  cobra.MaximumNArgs(1),
		Run:   runAuditTail,
	}

	locksCmd = &cobra.Command{
		Use:   "locks",
		Short: "Inspect and reclaim leases",
	}
	locksSweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim leases from expired or dead holders",
		Run:   runLocksSweep,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a statevault.yaml")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "store root directory (default $STATEVAULT_ROOT or .)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output")

	getCmd.Flags().BoolVar(&showMeta, "meta", false, "print record metadata instead of the payload")
	snapshotCreateCmd.Flags().StringVar(&snapshotNote, "note", "", "free-form note stored in the manifest")
	snapshotPruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "snapshots to retain (default from config)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	rootCmd.AddCommand(snapshotCmd)

	auditCmd.AddCommand(auditTailCmd)
	rootCmd.AddCommand(auditCmd)

	locksCmd.AddCommand(locksSweepCmd)
	rootCmd.AddCommand(locksCmd)
}

// openStore opens the configured store, or exits.
func openStore() *statestore.Store {
	store, err := statestore.Open(config)
	if err != nil {
		log.Fatalf("Error opening store at %s: %v", config.Root, err)
	}
	return store
}

// actor is recorded in the audit journal for CLI mutations.
func actor() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("cli:%s@%s", user, host)
}

func runInit(cmd *cobra.Command, args []string) {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		log.Fatalf("Error resolving %s: %v", dir, err)
	}
	path := filepath.Join(abs, "statevault.yaml")
	if _, err := os.Stat(path); err == nil {
		log.Fatalf("Refusing to overwrite existing %s", path)
	}
	if err := statestore.WriteDefaultConfig(path, abs); err != nil {
		log.Fatalf("Error writing %s: %v", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
}

func runVerify(cmd *cobra.Command, args []string) {
	store, err := statestore.Open(config)
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	defer store.Close()

	report := store.RecoveryReport()
	fmt.Printf("phase:           %s\n", report.Phase)
	fmt.Printf("stale leases:    %d\n", report.StaleLeases)
	fmt.Printf("orphaned temps:  %d\n", report.OrphanedTemps)
	if report.ResumedRestore != "" {
		fmt.Printf("resumed restore: %s\n", report.ResumedRestore)
	}
	fmt.Printf("records scanned: %d\n", report.RecordsScanned)
	for _, c := range report.Corrupted {
		switch c.Resolution {
		case recovery.ResolutionRestored:
			fmt.Printf("repaired:        %s (from snapshot %s)\n", c.Path, c.SnapshotID)
		case recovery.ResolutionRemoved:
			fmt.Printf("removed:         %s (%s)\n", c.Path, c.Detail)
		default:
			fmt.Printf("UNREPAIRED:      %s (%s)\n", c.Path, c.Detail)
		}
	}
	if !report.Ready() {
		os.Exit(1)
	}
	fmt.Println("tree is ready")
}

func runGet(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	rec, err := store.Read(context.Background(), args[0])
	if err != nil {
		log.Fatalf("Error reading %s: %v", args[0], err)
	}
	if showMeta {
		fmt.Printf("path:          %s\n", args[0])
		fmt.Printf("logical clock: %d\n", rec.LogicalClock)
		fmt.Printf("written at:    %s\n", rec.WrittenAt.UTC().Format(time.RFC3339Nano))
		fmt.Printf("payload bytes: %d\n", len(rec.Payload))
		return
	}
	os.Stdout.Write(rec.Payload)
}

func runPut(cmd *cobra.Command, args []string) {
	var payload []byte
	if len(args) == 2 {
		payload = []byte(args[1])
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("Error reading payload from stdin: %v", err)
		}
		payload = data
	}

	store := openStore()
	defer store.Close()

	ctx := context.Background()
	tx, err := store.Begin(ctx, actor())
	if err != nil {
		log.Fatalf("Error beginning transaction: %v", err)
	}
	if err := tx.Put(ctx, args[0], payload); err != nil {
		log.Fatalf("Error staging write: %v", err)
	}
	result, err := store.Commit(ctx, tx)
	if err != nil {
		log.Fatalf("Error committing: %v", err)
	}
	fmt.Printf("committed %s (tx %s)\n", args[0], result.TransactionID)
}

func runDelete(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	ctx := context.Background()
	tx, err := store.Begin(ctx, actor())
	if err != nil {
		log.Fatalf("Error beginning transaction: %v", err)
	}
	if err := tx.Delete(ctx, args[0]); err != nil {
		log.Fatalf("Error staging delete: %v", err)
	}
	if _, err := store.Commit(ctx, tx); err != nil {
		log.Fatalf("Error committing: %v", err)
	}
	fmt.Printf("deleted %s\n", args[0])
}

func runSnapshotCreate(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	manifest, err := store.Snapshot(context.Background(), snapshotNote)
	if err != nil {
		log.Fatalf("Error creating snapshot: %v", err)
	}
	fmt.Printf("created %s (%d files, %d bytes)\n",
		manifest.ID, len(manifest.Entries), manifest.TotalBytes())
}

func runSnapshotList(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	list, err := store.Snapshots()
	if err != nil {
		log.Fatalf("Error listing snapshots: %v", err)
	}
	if len(list) == 0 {
		fmt.Println("no snapshots")
		return
	}
	for _, m := range list {
		printManifest(m)
	}
}

func printManifest(m *snapshot.Manifest) {
	note := m.Note
	if note != "" {
		note = "  " + note
	}
	fmt.Printf("%s  %s  %d files%s\n",
		m.ID, m.CreatedAt.UTC().Format(time.RFC3339), len(m.Entries), note)
}

func runSnapshotRestore(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	if err := store.RestoreSnapshot(context.Background(), args[0]); err != nil {
		log.Fatalf("Error restoring snapshot %s: %v", args[0], err)
	}
	fmt.Printf("restored %s\n", args[0])
}

func runSnapshotPrune(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	keep := pruneKeep
	if keep == 0 {
		keep = config.Snapshots.Keep
	}
	removed, err := store.PruneSnapshots(context.Background(), keep)
	if err != nil {
		log.Fatalf("Error pruning snapshots: %v", err)
	}
	fmt.Printf("pruned %d, kept the newest %d\n", removed, keep)
}

func runAuditTail(cmd *cobra.Command, args []string) {
	n := 20
	if len(args) == 1 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			log.Fatalf("Invalid entry count %q", args[0])
		}
		n = parsed
	}

	store := openStore()
	defer store.Close()

	entries, err := store.AuditTail(context.Background(), n)
	if err != nil {
		log.Fatalf("Error reading audit journal: %v", err)
	}
	for _, entry := range entries {
		printAuditEntry(entry)
	}
}

func printAuditEntry(entry audit.Entry) {
	fmt.Printf("%s  %-6s  %s  clock=%d  actor=%s  tx=%s\n",
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.Op, entry.Path, entry.LogicalClock, entry.Actor, entry.TxID)
}

func runLocksSweep(cmd *cobra.Command, args []string) {
	// Sweeping needs only the lease directory, not a full store.
	manager, err := lock.NewManager(lock.Config{
		Dir:        filepath.Join(config.Root, ".statevault", "locks"),
		SessionID:  "cli-sweep",
		DefaultTTL: config.Locks.TTL.Std(),
	})
	if err != nil {
		log.Fatalf("Error opening lease directory: %v", err)
	}
	defer manager.Close()

	swept, err := manager.SweepStale()
	if err != nil {
		log.Fatalf("Error sweeping leases: %v", err)
	}
	fmt.Printf("reclaimed %d stale leases\n", swept)
}
