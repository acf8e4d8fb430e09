package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/gateway/auth"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("SETTLE_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "register":
		requireArgs(args, 3, "Please provide an address and a sponsor address.")
		callAndPrint("settle_registerUser", map[string]string{"address": args[1], "sponsor": args[2]})
	case "subscribe":
		requireArgs(args, 3, "Please provide an address and an expiry timestamp.")
		expiry, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			fatal("Invalid expiry timestamp.")
		}
		callAndPrint("settle_setSubscription", map[string]interface{}{"address": args[1], "active": true, "expiry": expiry})
	case "unsubscribe":
		requireArgs(args, 2, "Please provide an address.")
		callAndPrint("settle_setSubscription", map[string]interface{}{"address": args[1], "active": false, "expiry": 0})
	case "deposit":
		requireArgs(args, 3, "Please provide an amount and a proof tag.")
		callAndPrint("settle_depositWeeklyPerformance", map[string]string{"amount": args[1], "proofTag": args[2]})
	case "process":
		requireArgs(args, 3, "Please provide a week number and a chunk size.")
		week := parseUint(args[1], "Invalid week number.")
		chunk, err := strconv.Atoi(args[2])
		if err != nil {
			fatal("Invalid chunk size.")
		}
		callAndPrint("settle_processDistributionBatch", map[string]interface{}{"week": week, "chunkSize": chunk})
	case "withdraw":
		requireArgs(args, 2, "Please provide an amount.")
		callAndPrint("settle_withdraw", map[string]string{"amount": args[1]})
	case "withdraw-pool":
		requireArgs(args, 3, "Please provide a pool name and an amount.")
		callAndPrint("settle_withdrawPool", map[string]string{"pool": args[1], "amount": args[2]})
	case "reserve-propose":
		requireArgs(args, 4, "Please provide an amount, a destination, and a justification.")
		params := map[string]string{"amount": args[1], "destination": args[2], "justification": args[3]}
		if len(args) > 4 {
			params["recipient"] = args[4]
		}
		callAndPrint("settle_proposeReserveUsage", params)
	case "reserve-execute":
		requireArgs(args, 2, "Please provide a proposal id.")
		callAndPrint("settle_executeProposal", map[string]uint64{"id": parseUint(args[1], "Invalid proposal id.")})
	case "reserve-cancel":
		requireArgs(args, 2, "Please provide a proposal id.")
		callAndPrint("settle_cancelProposal", map[string]uint64{"id": parseUint(args[1], "Invalid proposal id.")})
	case "proof-submit":
		requireArgs(args, 6, "Please provide a week, an IPFS hash, total users, total commissions, and total profits.")
		callAndPrint("settle_submitWeeklyProof", map[string]interface{}{
			"week":             parseUint(args[1], "Invalid week number."),
			"ipfsHash":         args[2],
			"totalUsers":       parseUint(args[3], "Invalid user count."),
			"totalCommissions": args[4],
			"totalProfits":     args[5],
		})
	case "proof-finalize":
		requireArgs(args, 2, "Please provide a week number.")
		callAndPrint("settle_finalizeWeek", map[string]uint64{"week": parseUint(args[1], "Invalid week number.")})
	case "proof":
		requireArgs(args, 2, "Please provide a week number.")
		callAndPrint("settle_getWeeklyProof", map[string]uint64{"week": parseUint(args[1], "Invalid week number.")})
	case "proofs":
		callAndPrint("settle_getAllWeeks", nil)
	case "status":
		callAndPrint("settle_getSystemState", nil)
	case "user":
		requireArgs(args, 2, "Please provide an address.")
		callAndPrint("settle_getUserDashboard", map[string]string{"address": args[1]})
	case "token":
		requireArgs(args, 2, "Please provide an address.")
		issueToken(args[1], args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8645"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func requireArgs(args []string, n int, hint string) {
	if len(args) < n {
		fmt.Println("Error: " + hint)
		printUsage()
		os.Exit(1)
	}
}

func parseUint(v, hint string) uint64 {
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		fatal(hint)
	}
	return parsed
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "Error: "+msg)
	os.Exit(1)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func callAndPrint(method string, params interface{}) {
	result, err := callRPC(method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printJSONResult(result)
}

func callRPC(method string, params interface{}) (json.RawMessage, error) {
	reqParams := []interface{}{}
	if params != nil {
		reqParams = append(reqParams, params)
	}
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: reqParams})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(rpcAuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("invalid response from node: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", decoded.Error.Message, decoded.Error.Code)
	}
	return decoded.Result, nil
}

func printJSONResult(result json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(pretty.String())
}

// issueToken signs a bearer token locally with the shared gateway secret. It
// never talks to the node.
func issueToken(address string, roles []string) {
	if !common.IsHexAddress(address) {
		fatal("Invalid address.")
	}
	secretEnv := strings.TrimSpace(os.Getenv("SETTLE_JWT_SECRET_ENV"))
	if secretEnv == "" {
		secretEnv = "SETTLE_JWT_SECRET"
	}
	secret := strings.TrimSpace(os.Getenv(secretEnv))
	if secret == "" {
		fatal(fmt.Sprintf("Environment variable %s is empty.", secretEnv))
	}
	verifier := auth.NewVerifier([]byte(secret))
	token, err := verifier.IssueToken(common.HexToAddress(address), roles, 24*time.Hour)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Println(token)
}

func printUsage() {
	fmt.Println(`Usage: settle-cli [--rpc <endpoint>] <command> [args]

Network commands (write commands need SETTLE_RPC_TOKEN):
  register <address> <sponsor>                     Register a user under a sponsor
  subscribe <address> <expiry-unix>                Mark a subscription active
  unsubscribe <address>                            Mark a subscription inactive
  deposit <amount> <proof-tag>                     Deposit weekly trading revenue
  process <week> <chunk-size>                      Run one distribution chunk
  withdraw <amount>                                Withdraw from the caller's available balance
  withdraw-pool <pool> <amount>                    Withdraw from a treasury pool
  reserve-propose <amount> <dest> <reason> [addr]  Propose reserve usage
  reserve-execute <id>                             Execute a matured proposal
  reserve-cancel <id>                              Cancel a pending proposal
  proof-submit <week> <hash> <users> <comm> <prof> Submit a weekly proof draft
  proof-finalize <week>                            Finalize a weekly proof

Read commands:
  status                                           Show system state
  user <address>                                   Show a user dashboard
  proofs                                           List anchored weeks
  proof <week>                                     Show one weekly proof

Local commands:
  token <address> [role...]                        Sign a bearer token with SETTLE_JWT_SECRET`)
}
