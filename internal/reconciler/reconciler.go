// Package reconciler converts a bag of backend responses to
// engine_forkchoiceUpdatedV1 into one authoritative response the consensus
// client may safely act on.
//
// The asymmetry in the truth table below is deliberate and not to be
// "simplified" away: returning SYNCING to the CL is always safe (it stalls
// and re-asks, never attesting to a bad block); returning VALID on a bad
// block is unsafe; returning INVALID on thin evidence needlessly forks the
// validator. Hence a super-majority is required to emit INVALID, while
// unanimity-modulo-syncing suffices to emit VALID.
package reconciler

import (
	"encoding/json"
	"strconv"

	"execproxy/internal/node"
)

// ForgedSyncing is the fixed reply used to stall the CL safely whenever the
// bag of backend responses cannot be reconciled into a single trustworthy
// answer. Its headers are synthesized, never borrowed from a backend,
// because the body belongs to no backend and length/type must match exactly.
const ForgedSyncing = `{"jsonrpc":"2.0","id":1,"result":{"payloadStatus":{"status":"SYNCING","latestValidHash":null,"validationError":null},"payloadId":null}}`

type payloadStatus struct {
	Result struct {
		PayloadStatus struct {
			Status string `json:"status"`
		} `json:"payloadStatus"`
	} `json:"result"`
}

// DefaultThreshold is the fcu_invalid_threshold used when none is configured.
const DefaultThreshold = 0.6

// Reconcile applies the forkchoice truth table to a non-empty bag of backend
// responses and returns the single response to send upstream. Per-node parse
// errors are tolerated — malformed backend JSON is treated the same as "no
// majority" in the branch it is encountered, never propagated as an error.
//
// The second return value, fellThrough, is true only for the implicit
// all-VALID fallthrough branch — the same branch original_source/main.cpp's
// fcU_logic reaches only after the empty-majority, majority-INVALID, and
// stray-INVALID/SYNCING branches have all already returned. It is false for
// every forged or majority-INVALID outcome. Callers use it to decide whether
// mirroring resps[0] to syncing nodes is safe; mirroring a forged stall body
// or an INVALID rejection as if it were real head data is never correct.
func Reconcile(resps []node.Response, threshold float64) (result node.Response, fellThrough bool) {
	maj, majCount := majorityBody(resps)

	if float64(majCount) <= threshold*float64(len(resps)) {
		return forgedSyncingResponse(), false
	}

	status, ok := parseStatus(maj)
	if !ok {
		return forgedSyncingResponse(), false
	}
	if status == "INVALID" {
		return node.Response{
			Status:  200,
			Body:    maj,
			Headers: jsonHeaders(len(maj)),
		}, false
	}

	for _, r := range resps {
		status, ok := parseStatus(r.Body)
		if !ok || status == "INVALID" || status == "SYNCING" {
			return forgedSyncingResponse(), false
		}
	}

	// All responses agree at VALID (or otherwise reach here): return the
	// first response, verbatim.
	return resps[0], true
}

// majorityBody returns the most frequently occurring response body in resps
// and its occurrence count. Deterministic regardless of input order: among
// equally frequent bodies the bytewise-smallest one is returned.
func majorityBody(resps []node.Response) ([]byte, int) {
	counts := make(map[string]int, len(resps))
	order := make([]string, 0, len(resps))
	for _, r := range resps {
		key := string(r.Body)
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}

	var best string
	bestCount := 0
	for _, key := range order {
		if counts[key] > bestCount || (counts[key] == bestCount && key < best) {
			best = key
			bestCount = counts[key]
		}
	}
	return []byte(best), bestCount
}

// parseStatus extracts result.payloadStatus.status from a backend body. A
// parse failure returns ok == false and must be treated by the caller the
// same as "no majority" (a SYNCING vote) rather than propagated as an error.
func parseStatus(body []byte) (string, bool) {
	var p payloadStatus
	if err := json.Unmarshal(body, &p); err != nil {
		return "", false
	}
	if p.Result.PayloadStatus.Status == "" {
		return "", false
	}
	return p.Result.PayloadStatus.Status, true
}

func forgedSyncingResponse() node.Response {
	return node.Response{
		Status:  200,
		Body:    []byte(ForgedSyncing),
		Headers: jsonHeaders(len(ForgedSyncing)),
	}
}

func jsonHeaders(contentLength int) map[string][]string {
	return map[string][]string{
		"Content-Type":   {"application/json"},
		"Content-Length": {strconv.Itoa(contentLength)},
	}
}
