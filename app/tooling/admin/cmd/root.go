// Package cmd contains the admin commands.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ardanlabs/casino/business/web/errs"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/spf13/cobra"
)

var (
	keysPath string
	nodeURL  string
	timeout  time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&keysPath, "keys", "k", "zblock/keys/", "Path to the directory with the key files.")
	rootCmd.PersistentFlags().StringVarP(&nodeURL, "url", "u", "http://localhost:8080", "Url of the node public api.")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the node.")
}

var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "Casino network administration",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line.
func Execute(build string) {
	rootCmd.Version = build

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

// =============================================================================

// send is a helper function to send an HTTP request to a node. A 404 comes
// back as a trusted error so callers can tell it apart.
func send(ctx context.Context, method string, url string, dataSend any, dataRecv any) error {
	var body io.Reader
	if dataSend != nil {
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if dataSend != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := cleanhttp.DefaultClient()
	client.Timeout = timeout

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		var er errs.Response
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return errs.NewTrusted(fmt.Errorf("%s", er.Error), resp.StatusCode)
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			return err
		}
	}

	return nil
}

// printJSON writes the value as indented json.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
