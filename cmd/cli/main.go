package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at build time.
var version = "dev"

var (
	serverURL string
	identity  string

	requestID string
	contract  string
	method    string
	params    []string

	filterApp    string
	filterType   string
	filterStatus string
	limit        int
)

func main() {
	root := &cobra.Command{
		Use:   "core-cli",
		Short: "Operator CLI for offchain-service-core",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&identity, "identity", os.Getenv("CORE_SERVICE_IDENTITY"), "Service identity presented to the server")

	invokeCmd := &cobra.Command{
		Use:   "invoke",
		Short: "Sign and submit a contract call through the transaction proxy",
		RunE:  runInvoke,
	}
	invokeCmd.Flags().StringVar(&requestID, "request-id", "", "Request ID (generated when empty)")
	invokeCmd.Flags().StringVar(&contract, "contract", "", "Target contract")
	invokeCmd.Flags().StringVar(&method, "method", "", "Contract method")
	invokeCmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter as type:value (string, int64, bool, bytes as base64); repeatable")
	root.AddCommand(invokeCmd)

	root.AddCommand(&cobra.Command{
		Use:   "request [id]",
		Short: "Show one service request",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/requests/" + url.PathEscape(args[0]))
		},
	})

	requestsCmd := &cobra.Command{
		Use:   "requests",
		Short: "List recent service requests",
		RunE:  runRequests,
	}
	requestsCmd.Flags().StringVar(&filterApp, "app", "", "Filter by application ID")
	requestsCmd.Flags().StringVar(&filterType, "type", "", "Filter by service type")
	requestsCmd.Flags().StringVar(&filterStatus, "status", "", "Filter by status")
	requestsCmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	root.AddCommand(requestsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List enclave keys (public metadata only)",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/keys")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "attest [user-data]",
		Short: "Request an attestation report binding the given data",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAttest,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("core-cli " + version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInvoke(_ *cobra.Command, _ []string) error {
	if contract == "" || method == "" {
		return fmt.Errorf("--contract and --method are required")
	}

	parsed := make([]map[string]any, 0, len(params))
	for _, p := range params {
		typ, value, err := splitParam(p)
		if err != nil {
			return err
		}
		parsed = append(parsed, map[string]any{"type": typ, "value": value})
	}

	payload := map[string]any{
		"request_id": requestID,
		"contract":   contract,
		"method":     method,
		"params":     parsed,
	}
	return postJSON("/invoke", payload)
}

// splitParam turns "type:value" into a typed JSON value.
func splitParam(p string) (string, any, error) {
	typ, raw, ok := strings.Cut(p, ":")
	if !ok {
		return "", nil, fmt.Errorf("parameter %q is not type:value", p)
	}
	switch typ {
	case "string", "bytes":
		return typ, raw, nil
	case "int64":
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("parameter %q: %w", p, err)
		}
		return typ, v, nil
	case "bool":
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return "", nil, fmt.Errorf("parameter %q: %w", p, err)
		}
		return typ, v, nil
	default:
		return "", nil, fmt.Errorf("parameter %q: unsupported type %q", p, typ)
	}
}

func runRequests(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	if filterApp != "" {
		q.Set("app_id", filterApp)
	}
	if filterType != "" {
		q.Set("service_type", filterType)
	}
	if filterStatus != "" {
		q.Set("status", filterStatus)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/requests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return getJSON(path)
}

func runAttest(_ *cobra.Command, args []string) error {
	payload := map[string]any{}
	if len(args) > 0 {
		payload["user_data"] = base64.StdEncoding.EncodeToString([]byte(args[0]))
	}
	return postJSON("/attestation", payload)
}

func getJSON(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return doRequest(req)
}

func postJSON(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req)
}

func doRequest(req *http.Request) error {
	if identity != "" {
		req.Header.Set("X-Service-Identity", identity)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}
