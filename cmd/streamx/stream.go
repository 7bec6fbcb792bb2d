package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aeoncorex/streamx"
)

var streamCmd = &cobra.Command{
	Use:   "stream <magnet>",
	Short: "Download a torrent for playback and print where to play it from",
	Long: `This command starts streaming the largest file of the torrent behind a magnet link. Progress is printed until enough of the file is buffered, then the path of the file is printed for a media player to open. The download continues until the file is complete or the command is interrupted.

Examples:

streamx stream "magnet:?xt=urn:btih:<info hash>&dn=movie"
streamx stream --dir ~/Videos "magnet:?xt=urn:btih:<info hash>"
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e := streamx.New(cfg)
		defer e.Close()

		if err := e.Start(args[0], ""); err != nil {
			return err
		}

		var printed bool
		for st := range e.Statuses(ctx) {
			switch {
			case st.State == streamx.Error:
				fmt.Println()
				return st.Err
			case st.State == streamx.Ready && !printed:
				printed = true
				fmt.Printf("\nReady: %s\n", st.FilePath)
			}

			printStatus(st)

			if st.TotalPieces > 0 && st.VerifiedPieces == st.TotalPieces {
				fmt.Println("\nDownload complete")
				return nil
			}
		}

		fmt.Println()
		return nil
	},
}

func printStatus(st streamx.Status) {
	name := st.FileName
	if name == "" {
		name = st.InfoHash
	}

	fmt.Printf("\r%s  %-18s %3d%% %s/%s %10s/s  peers %d seeds %d  ",
		name,
		st.State,
		st.Progress,
		humanize.IBytes(uint64(st.VerifiedBytes)),
		humanize.IBytes(uint64(st.FileLength)),
		humanize.IBytes(uint64(st.DownloadRate)),
		st.Peers,
		st.Seeds,
	)
}

func init() {
	rootCmd.AddCommand(streamCmd)
}
