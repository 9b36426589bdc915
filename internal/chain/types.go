package chain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ContractParam is a typed argument for a contract invocation.
type ContractParam struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// Signer scopes a transaction signature to a contract.
type Signer struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

// InvokeResult is the node's response to invokefunction.
type InvokeResult struct {
	Script      string      `json:"script"`
	State       string      `json:"state"`
	GasConsumed string      `json:"gasconsumed"`
	Exception   string      `json:"exception"`
	Stack       []StackItem `json:"stack"`
	Tx          string      `json:"tx,omitempty"`
}

// StackItem is a VM stack value returned from an invocation.
type StackItem struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// ApplicationLog is the execution record of a confirmed transaction.
type ApplicationLog struct {
	TxID       string      `json:"txid"`
	Executions []Execution `json:"executions"`
}

// Execution is one VM run inside an application log.
type Execution struct {
	Trigger     string      `json:"trigger"`
	VMState     string      `json:"vmstate"`
	GasConsumed string      `json:"gasconsumed"`
	Exception   string      `json:"exception"`
	Stack       []StackItem `json:"stack"`
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown transaction") || strings.Contains(msg, "not found")
}
