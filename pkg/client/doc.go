// Package client is the Go SDK for the HIDO block-audit ledger daemon.
//
// It covers the full ledgerd HTTP surface: chain inspection,
// integrity verification, history queries, compliance export, and
// operator-authenticated appends.
//
// # Reading the chain
//
// The read surface needs no credentials:
//
//	c, _ := client.New("http://localhost:8080")
//	ov, err := c.Overview(ctx)
//	fmt.Println(ov.Length, ov.TipHash)
//
//	b, err := c.GetBlock(ctx, 42)
//
// Blocks are immutable once persisted, so GetBlock results can be
// cached; enable it with WithCacheTTL:
//
//	c, _ := client.New(baseURL, client.WithCacheTTL(10*time.Minute))
//
// # Verification
//
//	res, err := c.Verify(ctx)
//	if !res.Valid {
//	    for _, v := range res.Violations {
//	        fmt.Printf("block %d: %s (%s)\n", v.Index, v.Kind, v.Detail)
//	    }
//	}
//
// # Operator operations
//
// Append and export require an operator token. Supply the admin secret
// and the client exchanges and refreshes tokens automatically:
//
//	c, _ := client.New(baseURL, client.WithAdminSecret(secret))
//	ref, err := c.Append(ctx, "did:hido:3f8a2b914c77d0e1",
//	    []byte("analyze_data/finance"), "")
//
// A pre-obtained token can be attached instead with WithBearerToken.
package client
