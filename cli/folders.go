package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var addModel string

var addCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a folder to the daemon's index",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Remove a folder from the daemon's index",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List the folders the daemon indexes",
	RunE:  runFolders,
}

var rescanCmd = &cobra.Command{
	Use:   "rescan <path>",
	Short: "Re-scan a folder and index any changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRescan,
}

func init() {
	addCmd.Flags().StringVarP(&addModel, "model", "m", "", "Embedding model for this folder (defaults to the global model)")
	rootCmd.AddCommand(addCmd, removeCmd, foldersCmd, rescanCmd)
}

func absFolderArg(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return abs, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	path, err := absFolderArg(args[0])
	if err != nil {
		return err
	}

	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.AddFolder(ctx, path, addModel); err != nil {
		return err
	}
	fmt.Printf("Added %s\n", path)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	path, err := absFolderArg(args[0])
	if err != nil {
		return err
	}

	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.RemoveFolder(ctx, path); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", path)
	return nil
}

func runFolders(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	folders, err := client.ListFolders(ctx)
	if err != nil {
		return err
	}

	if len(folders) == 0 {
		fmt.Println("No folders indexed. Add one with 'folderd add <path>'.")
		return nil
	}
	for _, f := range folders {
		fmt.Println(renderFolderLine(f))
	}
	return nil
}

func runRescan(cmd *cobra.Command, args []string) error {
	path, err := absFolderArg(args[0])
	if err != nil {
		return err
	}

	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.Rescan(ctx, path); err != nil {
		return err
	}
	fmt.Printf("Rescan of %s scheduled\n", path)
	return nil
}
