package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"PathProof-Chain/internal/api"
	"PathProof-Chain/internal/job"
	"PathProof-Chain/internal/ledger"
	"PathProof-Chain/internal/pathvalidator"
	"PathProof-Chain/sdk/go/pathproof"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)

	book := ledger.NewMemoryLedger()
	if err := book.Seed(ctx, payer, 5*pathvalidator.DefaultFee); err != nil {
		panic(err)
	}
	validator, err := pathvalidator.New(book, pathvalidator.DefaultConfig())
	if err != nil {
		panic(err)
	}
	store := job.NewMemoryStore()
	queue := job.NewMemoryQueue(16)
	go func() {
		_ = job.NewProcessor(validator, store, queue, queue).Start(ctx)
	}()

	srv := httptest.NewServer(api.NewServer(":0",
		api.WithValidator(validator),
		api.WithJobs(job.NewService(store, queue, 3)),
		api.WithAccounts(book),
	).Handler())
	defer srv.Close()

	client, err := pathproof.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	path := []byte{0, 0, 1, 0, 1, 1, 2, 1}
	proof, _ := pathvalidator.ComputeDigest(path)

	result, err := client.Validate(ctx, key, pathproof.Instruction{Proof: proof, Path: path, Nonce: 1})
	if err != nil {
		panic(err)
	}
	fmt.Printf("sync validation: verdict=%s fee_charged=%t max_speed=%d\n", result.Verdict, result.FeeCharged, result.MaxSpeed)

	fast := []byte{0, 0, 9, 9}
	submitted, err := client.SubmitJob(ctx, "demo-job", key, pathproof.Instruction{Proof: proof, Path: fast, Nonce: 2})
	if err != nil {
		panic(err)
	}
	done, err := client.WaitForJob(ctx, submitted.ID, 50*time.Millisecond)
	if err != nil {
		panic(err)
	}
	if done.Result != nil {
		fmt.Printf("job %s: status=%s verdict=%s program_code=%d\n", done.ID, done.Status, done.Result.Verdict, done.Result.ProgramCode)
	} else {
		fmt.Printf("job %s: status=%s error=%s\n", done.ID, done.Status, done.LastError)
	}

	account, err := client.Account(ctx, payer, 10)
	if err != nil {
		panic(err)
	}
	fmt.Printf("payer %s balance=%d transfers=%d\n", account.Address.Hex(), account.Balance, len(account.Transfers))
}
