package main

import (
	"fmt"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/aeoncorex/streamx"
)

var clearCmd = &cobra.Command{
	Use:   "clear [dir]",
	Short: "Delete downloaded streams",
	Long: `This command deletes the directory streams are saved to, or the given directory.

Examples:

streamx clear
streamx clear ~/Videos/streamx
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineConfig()
		if err != nil {
			return err
		}

		dir := cfg.SaveDir
		if len(args) == 1 {
			if dir, err = homedir.Expand(args[0]); err != nil {
				return err
			}
		}

		e := streamx.New(cfg)
		defer e.Close()

		if err := e.ClearCache(dir); err != nil {
			return err
		}

		fmt.Printf("Removed %s\n", dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clearCmd)
}
