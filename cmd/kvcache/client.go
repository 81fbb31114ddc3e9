package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/kvcache/internal/observability"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call issues one request against the daemon and returns the body of a 2xx
// response. Other statuses are returned as errors carrying the body.
func call(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	ctx, span := observability.StartClientSpan(ctx, "kvcache.client "+method)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	observability.InjectHeaders(ctx, req.Header)

	resp, err := httpClient.Do(req)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
		observability.SetSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func keyPath(key string) string {
	return "/cache/" + url.PathEscape(key)
}

// getPath uses the query form: GET /cache/keys would list keys instead of
// reading the key named "keys".
func getPath(key string) string {
	return "/cache?key=" + url.QueryEscape(key)
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(cmd.Context(), http.MethodGet, getPath(args[0]), nil)
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(data)
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> [value|-]",
		Short: "Store a value under key (reads stdin when value is - or omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body io.Reader
			if len(args) == 2 && args[1] != "-" {
				body = strings.NewReader(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read value: %w", err)
				}
				body = strings.NewReader(string(data))
			}
			data, err := call(cmd.Context(), http.MethodPut, keyPath(args[0]), body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete the value stored under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(cmd.Context(), http.MethodDelete, keyPath(args[0]), nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func keysCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(cmd.Context(), http.MethodGet, "/cache/keys", nil)
			if err != nil {
				return err
			}
			if asJSON {
				cmd.OutOrStdout().Write(data)
				return nil
			}
			var keys []string
			if err := json.Unmarshal(data, &keys); err != nil {
				return fmt.Errorf("decode keys: %w", err)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON array")
	return cmd
}
