package untis

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEndOfData is returned when the provider has no timetable for the
// requested day, which marks the end of the school year window.
var ErrEndOfData = errors.New("untis: no data for requested day")

// ErrNotAuthenticated is returned when the provider rejected the session.
var ErrNotAuthenticated = errors.New("untis: not authenticated")

// JSON-RPC error codes with a defined meaning.
const (
	codeNoAllowedDate    = -7004
	codeNotAuthenticated = -8520
)

// Element is a subject, room, teacher or class reference inside an entry.
type Element struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	LongName string `json:"longname"`
}

// RawEntry models a single timetable entry from the provider's response.
type RawEntry struct {
	ID        int64     `json:"id"`
	Date      int       `json:"date"`
	StartTime int       `json:"startTime"`
	EndTime   int       `json:"endTime"`
	Code      string    `json:"code,omitempty"`
	LsText    string    `json:"lstext,omitempty"`
	SubstText string    `json:"substText,omitempty"`
	Subjects  []Element `json:"su"`
	Rooms     []Element `json:"ro"`
	Teachers  []Element `json:"te"`
}

// RPCError is an application error reported by the JSON-RPC endpoint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("untis rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	JSONRPC string `json:"jsonrpc"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type authResult struct {
	SessionID  string `json:"sessionId"`
	PersonType int    `json:"personType"`
	PersonID   int64  `json:"personId"`
	KlasseID   int64  `json:"klasseId"`
}
