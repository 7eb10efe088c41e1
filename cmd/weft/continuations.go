package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/weft"
	httpAdapter "github.com/aretw0/weft/pkg/adapters/http"
	"github.com/aretw0/weft/pkg/domain"
)

func newContinuationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "continuations",
		Aliases: []string{"conts"},
		Short:   "Inspect and answer open waits",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List open continuations of a run, or every expired one",
		RunE:  listContinuations,
	}
	list.Flags().String("run", "", "Run id")
	list.Flags().Bool("expired", false, "List expired continuations of all runs")

	resume := &cobra.Command{
		Use:   "resume CORRELATOR_ID PAYLOAD",
		Short: "Answer a wait through a running weft serve",
		Long:  `PAYLOAD is parsed as JSON when valid, otherwise sent as a string.`,
		Args:  cobra.ExactArgs(2),
		RunE:  resumeContinuation,
	}
	resume.Flags().String("server", "http://localhost:8080", "Base URL of weft serve")

	cmd.AddCommand(list, resume)
	return cmd
}

func listContinuations(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, _, closer, err := weft.OpenStore(cfg.Store, nil)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	runID, _ := cmd.Flags().GetString("run")
	expired, _ := cmd.Flags().GetBool("expired")
	var conts []*domain.Continuation
	switch {
	case expired:
		conts, err = store.Expired(cmd.Context(), time.Now())
	case runID != "":
		conts, err = store.ListByRun(cmd.Context(), runID)
	default:
		return fmt.Errorf("one of --run or --expired is required")
	}
	if err != nil {
		return err
	}
	if conts == nil {
		conts = []*domain.Continuation{}
	}
	return printJSON(cmd, conts)
}

func resumeContinuation(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	body, err := json.Marshal(httpAdapter.ResumeRequest{Payload: parseValue(args[1])})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(server, "/") + "/v1/continuations/" + url.PathEscape(args[0]) + "/resume"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("resume request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resume request failed: %s", resp.Status)
	}
	var out httpAdapter.ResumeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if !out.Resumed {
		return fmt.Errorf("continuation %s is unknown, expired or already resumed", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", args[0])
	return nil
}
