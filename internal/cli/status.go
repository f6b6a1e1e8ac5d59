package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider health of a running relay",
	Run: func(c *cobra.Command, args []string) {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(statusAddr + "/healthz")
		if err != nil {
			fmt.Fprintf(os.Stderr, "relay unreachable at %s: %v\n", statusAddr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			fmt.Fprintf(os.Stderr, "read health response: %v\n", err)
			os.Exit(1)
		}

		doc := gjson.ParseBytes(body)
		fmt.Printf("status: %s\n", doc.Get("status").String())

		counters := doc.Get("counters")
		if counters.Exists() {
			fmt.Printf("requests: %d (ok %d, failed %d), tokens: %d\n",
				counters.Get("total_requests").Int(),
				counters.Get("success_count").Int(),
				counters.Get("failure_count").Int(),
				counters.Get("total_tokens").Int())
		}

		doc.Get("providers").ForEach(func(_, p gjson.Result) bool {
			fmt.Printf("  %-16s priority=%d available=%d exhausted=%d disabled=%d\n",
				p.Get("name").String(),
				p.Get("priority").Int(),
				p.Get("available").Int(),
				p.Get("exhausted").Int(),
				p.Get("disabled").Int())
			return true
		})

		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:8711", "relay base URL")
	rootCmd.AddCommand(statusCmd)
}
