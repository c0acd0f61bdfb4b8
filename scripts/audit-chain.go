//go:build ignore

// audit-chain.go fetches every block from a running ledger daemon and
// re-verifies the hash chain locally, without trusting the server's own
// /ledger/verify endpoint. Useful as an external spot-check against a
// compromised or buggy daemon.
//
// Run with: go run scripts/audit-chain.go [http://host:8080]
package main

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/sha3"
)

type wireBlock struct {
	Index       uint64 `json:"index"`
	Timestamp   int64  `json:"timestamp"`
	Actor       string `json:"actor"`
	Payload     []byte `json:"payload"`
	PrevHash    string `json:"prev_hash"`
	ContentHash string `json:"content_hash"`
	Signature   []byte `json:"signature"`
}

type finding struct {
	index uint64
	what  string
}

// recompute mirrors the canonical content-hash preimage: big-endian index
// and timestamp, length-prefixed actor and payload, then the predecessor
// hash.
func recompute(b wireBlock, prev [32]byte) [32]byte {
	h := sha3.New256()
	var u64 [8]byte
	var u32 [4]byte

	binary.BigEndian.PutUint64(u64[:], b.Index)
	h.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], uint64(b.Timestamp))
	h.Write(u64[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(b.Actor)))
	h.Write(u32[:])
	h.Write([]byte(b.Actor))
	binary.BigEndian.PutUint32(u32[:], uint32(len(b.Payload)))
	h.Write(u32[:])
	h.Write(b.Payload)
	h.Write(prev[:])

	var out [32]byte
	h.Sum(out[:0])
	return out
}

func fetchBlock(client *http.Client, base string, idx uint64) (wireBlock, error) {
	var b wireBlock
	resp, err := client.Get(fmt.Sprintf("%s/api/v1/ledger/blocks/%d", base, idx))
	if err != nil {
		return b, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return b, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	err = json.NewDecoder(resp.Body).Decode(&b)
	return b, err
}

func main() {
	base := "http://localhost:8080"
	if len(os.Args) > 1 {
		base = os.Args[1]
	}

	client := &http.Client{Timeout: 10 * time.Second}

	// How long is the chain?
	resp, err := client.Get(base + "/api/v1/ledger")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger unreachable: %v\n", err)
		os.Exit(1)
	}
	var overview struct {
		Length  uint64 `json:"length"`
		TipHash string `json:"tip_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&overview); err != nil {
		resp.Body.Close()
		fmt.Fprintf(os.Stderr, "decode overview: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()

	fmt.Printf("══════════════════════════════════════════════════════\n")
	fmt.Printf("  Independent Ledger Audit\n")
	fmt.Printf("  Target: %s  |  Chain length: %d\n", base, overview.Length)
	fmt.Printf("══════════════════════════════════════════════════════\n\n")

	var findings []finding
	var prev [32]byte // zero-hash sentinel before genesis

	for idx := uint64(0); idx < overview.Length; idx++ {
		if idx%100 == 0 {
			fmt.Printf("\r  auditing... %d/%d", idx, overview.Length)
		}

		b, err := fetchBlock(client, base, idx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nfetch block %d: %v\n", idx, err)
			os.Exit(1)
		}
		if b.Index != idx {
			findings = append(findings, finding{idx, fmt.Sprintf("server returned index %d", b.Index)})
			continue
		}

		storedPrev, err := hex.DecodeString(b.PrevHash)
		if err != nil || len(storedPrev) != 32 {
			findings = append(findings, finding{idx, "prev_hash is not a 32-byte hex string"})
		} else if [32]byte(storedPrev) != prev {
			findings = append(findings, finding{idx, "prev_hash does not match recomputed predecessor"})
		}

		want := recompute(b, prev)
		if b.ContentHash != hex.EncodeToString(want[:]) {
			findings = append(findings, finding{idx, "content_hash does not match recomputed hash"})
		}
		if idx > 0 && len(b.Signature) == 0 {
			findings = append(findings, finding{idx, "non-genesis block carries no signature"})
		}

		// Chain forward from OUR recomputation, not the server's claim.
		prev = want
	}
	fmt.Printf("\r  done — %d blocks audited        \n\n", overview.Length)

	tip := hex.EncodeToString(prev[:])
	if overview.Length > 0 && tip != overview.TipHash {
		findings = append(findings, finding{overview.Length - 1, "advertised tip_hash differs from recomputed tip"})
	}

	if len(findings) == 0 {
		fmt.Println("  ✓ chain intact: every hash and link recomputes cleanly")
		fmt.Printf("  tip %s\n", shorten(tip))
		return
	}

	fmt.Printf("  ✗ %d finding(s):\n\n", len(findings))
	for _, f := range findings {
		fmt.Printf("  • block %d: %s\n", f.index, f.what)
	}
	fmt.Println("\n  The server's stored chain does not recompute. Treat the")
	fmt.Println("  ledger as tampered until the discrepancy is explained.")
	os.Exit(1)
}

func shorten(h string) string {
	if len(h) > 16 {
		return h[:16] + "…"
	}
	return h
}
