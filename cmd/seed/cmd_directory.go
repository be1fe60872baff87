package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"csms/internal/lock"
	"csms/internal/models"
	"csms/internal/repo"

	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Register an RFID tag and its user",
	RunE:  runTag,
}

var emaidCmd = &cobra.Command{
	Use:   "emaid",
	Short: "Register contract eMAIDs for Plug and Charge",
	Long: `Register one eMAID with --id, or import many with --file where every line is
EMAID[,USER_ID]. Imports for the same tenant never run concurrently.`,
	RunE: runEmaid,
}

func init() {
	rootCmd.AddCommand(tagCmd)
	tagCmd.Flags().String("id", "", "tag id")
	tagCmd.Flags().String("user", "", "user id (defaults to the tag id)")
	tagCmd.Flags().String("role", "B", "user role, A is admin")
	tagCmd.Flags().Bool("active", true, "mark tag and user active")
	_ = tagCmd.MarkFlagRequired("id")

	rootCmd.AddCommand(emaidCmd)
	emaidCmd.Flags().String("id", "", "eMAID as found in the contract certificate subject")
	emaidCmd.Flags().String("user", "", "owning user id")
	emaidCmd.Flags().Bool("active", true, "mark the eMAID active")
	emaidCmd.Flags().String("file", "", "import file, one EMAID[,USER_ID] per line")
	emaidCmd.Flags().String("tenant", "default", "tenant the import runs for")
}

func runTag(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, _ := cmd.Flags().GetString("id")
	userID, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")
	active, _ := cmd.Flags().GetBool("active")
	if userID == "" {
		userID = id
	}

	directory := repo.NewDirectoryRepo(database(cmd).Pool)
	if err := directory.UpsertUser(ctx, models.User{ID: userID, Role: role, Active: active}); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	if err := directory.UpsertTag(ctx, models.Tag{ID: id, UserID: userID, Active: active}); err != nil {
		return fmt.Errorf("failed to save tag: %w", err)
	}
	fmt.Printf("Seeded tag %s for user %s role=%s\n", id, userID, role)
	return nil
}

type emaidUpserter interface {
	Upsert(ctx context.Context, e models.Emaid) error
}

func runEmaid(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, _ := cmd.Flags().GetString("id")
	userID, _ := cmd.Flags().GetString("user")
	active, _ := cmd.Flags().GetBool("active")
	path, _ := cmd.Flags().GetString("file")
	tenant, _ := cmd.Flags().GetString("tenant")

	if id == "" && path == "" {
		return errors.New("either --id or --file is required")
	}

	d := database(cmd)
	emaids := repo.NewEmaidsRepo(d.Pool)
	if path == "" {
		if err := emaids.Upsert(ctx, models.Emaid{ID: id, UserID: userID, Active: active}); err != nil {
			return fmt.Errorf("failed to save eMAID: %w", err)
		}
		fmt.Printf("Seeded eMAID %s\n", id)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	locks := lock.NewPostgres(d.Pool)
	h, err := locks.Acquire(ctx, lock.ImportKey("emaids", tenant))
	if errors.Is(err, lock.ErrNotAcquired) {
		return fmt.Errorf("an eMAID import for tenant %s is already running", tenant)
	}
	if err != nil {
		return err
	}
	defer locks.Release(context.WithoutCancel(ctx), h) //nolint:errcheck

	n, err := importEmaids(ctx, emaids, f, active)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d eMAID(s) for tenant %s\n", n, tenant)
	return nil
}

func importEmaids(ctx context.Context, store emaidUpserter, r io.Reader, active bool) (int, error) {
	scanner := bufio.NewScanner(r)
	n, line := 0, 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		id, user, _ := strings.Cut(text, ",")
		id = strings.TrimSpace(id)
		if id == "" {
			return n, fmt.Errorf("line %d: missing eMAID", line)
		}
		if err := store.Upsert(ctx, models.Emaid{ID: id, UserID: strings.TrimSpace(user), Active: active}); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, scanner.Err()
}
