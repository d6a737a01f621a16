package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"kvrepair/internal/admin"
)

// call sends a request to the admin API and prints the JSON response.
func call(cmd *cobra.Command, method, path string, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+adminAddr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if len(raw) == 0 {
		return nil
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}

var (
	repairCmd = &cobra.Command{
		Use:   "repair <keyspace> <table>",
		Short: "Repair a table and wait for the session to finish",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/storage_service/repair/"+args[0]+"/"+args[1]+"?wait=true", nil)
		},
	}

	repairStatusCmd = &cobra.Command{
		Use:   "status [id]",
		Short: "Show one repair session, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return call(cmd, http.MethodGet, "/storage_service/repair", nil)
			}
			return call(cmd, http.MethodGet, "/storage_service/repair/"+args[0], nil)
		},
	}

	flushCmd = &cobra.Command{
		Use:   "flush <keyspace>",
		Short: "Flush the memtables of a keyspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/storage_service/keyspace_flush/"+args[0], nil)
		},
	}

	compactCmd = &cobra.Command{
		Use:   "compact <keyspace>",
		Short: "Run a major compaction of a keyspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/storage_service/keyspace_compaction/"+args[0], nil)
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Read and update system.config",
	}

	configListCmd = &cobra.Command{
		Use:   "list",
		Short: "List every config item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, "/v2/config", nil)
		},
	}

	configGetCmd = &cobra.Command{
		Use:   "get <item>",
		Short: "Show a config item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/v2/config/"+args[0], nil)
		},
	}

	configSetCmd = &cobra.Command{
		Use:   "set <item> <value>",
		Short: "Update a live config item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/v2/config/"+args[0], admin.ConfigRequest{Value: args[1]})
		},
	}

	injectionCmd = &cobra.Command{
		Use:   "injection",
		Short: "Manage error injection points",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, "/v2/error_injection/injection", nil)
		},
	}

	injectionEnableCmd = &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable an injection point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			oneShot, err := cmd.Flags().GetBool("one-shot")
			if err != nil {
				return err
			}
			params, err := cmd.Flags().GetStringToString("param")
			if err != nil {
				return err
			}
			return call(cmd, http.MethodPost, "/v2/error_injection/injection/"+args[0],
				admin.InjectionRequest{OneShot: oneShot, Parameters: params})
		},
	}

	injectionGetCmd = &cobra.Command{
		Use:   "get <name>",
		Short: "Show an injection point and its recorded parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/v2/error_injection/injection/"+args[0], nil)
		},
	}

	injectionDisableCmd = &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable an injection point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodDelete, "/v2/error_injection/injection/"+args[0], nil)
		},
	}
)
