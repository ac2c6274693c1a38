package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/hoststack/pkg/config"
	"github.com/cuemby/hoststack/pkg/storage"
	"github.com/cuemby/hoststack/pkg/types"
)

// appsCmd and its subcommands read the persisted manifest store directly
// rather than calling a running daemon: the control-plane JSON API that
// would otherwise serve these is out of scope.
var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Inspect configured applications",
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every application named in the manifest store",
	RunE:  runAppsList,
}

var appsInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Print the stored descriptor for one application",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppsInfo,
}

func init() {
	appsCmd.AddCommand(appsListCmd, appsInfoCmd)
	rootCmd.AddCommand(appsCmd)
}

func openStore() (*storage.BoltStore, error) {
	manifest, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	dataDir := manifest.DataDir
	if flagDataDir != "" {
		dataDir = flagDataDir
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewBoltStore(dataDir)
}

func runAppsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.List("manifests")
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runAppsInfo(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	blob, err := store.Get("manifests", args[0])
	if err != nil {
		return err
	}
	var app types.Application
	if err := json.Unmarshal(blob, &app); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(app)
}
