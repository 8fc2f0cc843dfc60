package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const clientTimeout = 10 * time.Second

var (
	serverAddr = flag.String("server", "http://127.0.0.1:8080", "Base URL of the gojocache server")
)

var httpClient = http.Client{Timeout: clientTimeout}

// currentTx holds the transaction the interactive session is working in.
var currentTx string

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) > 0 {
		if !runCommand(args) {
			os.Exit(1)
		}
		return
	}

	fmt.Println("gojocache interactive shell. Type 'help' for commands, 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if currentTx != "" {
			fmt.Printf("gojocache(tx %s)> ", shortID(currentTx))
		} else {
			fmt.Print("gojocache> ")
		}
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		runCommand(strings.Fields(line))
	}
}

func runCommand(args []string) bool {
	cmd := strings.ToLower(args[0])
	rest := args[1:]

	switch cmd {
	case "help":
		printHelp()
		return true

	case "begin":
		resp, ok := post("/tx/begin", nil)
		if !ok {
			return false
		}
		currentTx = resp["tx_id"]
		fmt.Printf("transaction %s started\n", currentTx)
		return true

	case "put":
		if len(rest) < 2 {
			log.Println("usage: put <key> <value>")
			return false
		}
		return txPost("/tx/put", map[string]string{"key": rest[0], "value": strings.Join(rest[1:], " ")})

	case "get":
		if len(rest) != 1 {
			log.Println("usage: get <key>")
			return false
		}
		resp, ok := txPostResp("/tx/get", map[string]string{"key": rest[0]})
		if !ok {
			return false
		}
		printValue(resp)
		return true

	case "delete", "del":
		if len(rest) != 1 {
			log.Println("usage: delete <key>")
			return false
		}
		return txPost("/tx/delete", map[string]string{"key": rest[0]})

	case "commit":
		ok := txPost("/tx/commit", nil)
		if ok {
			fmt.Printf("transaction %s committed\n", shortID(currentTx))
			currentTx = ""
		}
		return ok

	case "rollback":
		ok := txPost("/tx/rollback", nil)
		if ok {
			fmt.Printf("transaction %s rolled back\n", shortID(currentTx))
			currentTx = ""
		}
		return ok

	case "read":
		if len(rest) != 1 {
			log.Println("usage: read <key>")
			return false
		}
		resp, ok := getJSON("/kv?key=" + rest[0])
		if !ok {
			return false
		}
		printValue(resp)
		return true

	case "write":
		if len(rest) < 2 {
			log.Println("usage: write <key> <value>")
			return false
		}
		_, ok := post("/kv", map[string]string{"key": rest[0], "value": strings.Join(rest[1:], " ")})
		if ok {
			fmt.Println("ok")
		}
		return ok

	case "topology":
		return dump("/cluster/topology")

	case "stats":
		return dump("/stats")

	case "join":
		if len(rest) != 3 {
			log.Println("usage: join <node_id> <raft_addr> <peer_addr>")
			return false
		}
		_, ok := post("/cluster/join", map[string]string{
			"node_id": rest[0], "raft_addr": rest[1], "peer_addr": rest[2],
		})
		if ok {
			fmt.Println("joined")
		}
		return ok

	case "assign":
		if len(rest) != 4 {
			log.Println("usage: assign <range_id> <start_slot> <end_slot> <primary_node>")
			return false
		}
		start, err1 := strconv.Atoi(rest[1])
		end, err2 := strconv.Atoi(rest[2])
		if err1 != nil || err2 != nil {
			log.Println("start and end slots must be integers")
			return false
		}
		body := map[string]any{
			"range_id":        rest[0],
			"start_slot":      start,
			"end_slot":        end,
			"primary_node_id": rest[3],
		}
		_, ok := postAny("/cluster/assign", body)
		if ok {
			fmt.Println("assigned")
		}
		return ok

	default:
		log.Printf("unknown command %q, try 'help'", cmd)
		return false
	}
}

func printHelp() {
	fmt.Println(`Transactions:
  begin                 start a transaction
  put <key> <value>     stage a write in the current transaction
  get <key>             read in the current transaction
  delete <key>          stage a removal
  commit                commit the current transaction
  rollback              abort the current transaction

Direct access:
  read <key>            non-transactional read
  write <key> <value>   non-transactional write

Cluster:
  topology              print the slot map and members
  stats                 print node statistics
  join <id> <raft> <peer>   add a node to the cluster (leader only)
  assign <range> <start> <end> <node>   assign a slot range (leader only)`)
}

func printValue(resp map[string]any) {
	if found, _ := resp["found"].(bool); !found {
		fmt.Println("(not found)")
		return
	}
	fmt.Println(resp["value"])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// txPost sends a command scoped to the current transaction.
func txPost(path string, fields map[string]string) bool {
	_, ok := txPostResp(path, fields)
	if ok && fields != nil {
		fmt.Println("ok")
	}
	return ok
}

func txPostResp(path string, fields map[string]string) (map[string]any, bool) {
	if currentTx == "" {
		log.Println("no transaction in progress, run 'begin' first")
		return nil, false
	}
	body := map[string]string{"tx_id": currentTx}
	for k, v := range fields {
		body[k] = v
	}
	return postAny(path, body)
}

func post(path string, body map[string]string) (map[string]string, bool) {
	resp, ok := postAny(path, body)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(resp))
	for k, v := range resp {
		if s, isStr := v.(string); isStr {
			out[k] = s
		}
	}
	return out, true
}

func postAny(path string, body any) (map[string]any, bool) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Printf("error encoding request: %v", err)
			return nil, false
		}
		reader = bytes.NewReader(data)
	}
	resp, err := httpClient.Post(*serverAddr+path, "application/json", reader)
	if err != nil {
		log.Printf("request failed: %v", err)
		return nil, false
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

func getJSON(path string) (map[string]any, bool) {
	resp, err := httpClient.Get(*serverAddr + path)
	if err != nil {
		log.Printf("request failed: %v", err)
		return nil, false
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (map[string]any, bool) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("error reading response: %v", err)
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		log.Printf("unexpected response: %s", strings.TrimSpace(string(data)))
		return nil, false
	}
	if resp.StatusCode >= 300 {
		if msg, ok := out["error"].(string); ok {
			log.Printf("server error (%d): %s", resp.StatusCode, msg)
		} else {
			log.Printf("server error: %s", resp.Status)
		}
		return nil, false
	}
	return out, true
}

func dump(path string) bool {
	resp, ok := getJSON(path)
	if !ok {
		return false
	}
	pretty, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		log.Printf("error formatting response: %v", err)
		return false
	}
	fmt.Println(string(pretty))
	return true
}
