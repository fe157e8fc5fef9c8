// Copyright 2018 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

// gallerysync keeps an NFT gallery contract's state in sync and serves it.
//
// It connects to an Ethereum node, loads the gallery contract's counters,
// token metadata and the wallet's holdings, follows contract events, and
// exposes the result together with mint and transfer over JSON-RPC.
//
// Usage:
//   gallerysync --rpc <endpoint> --contract <address> [--keyfile <path> --password <file>] [--config <yaml>]
//   gallerysync info|tokens|owned|mint|transfer ...
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/alexwelcing/nftgallery/gallery"
)

var (
	app = cli.NewApp()

	// Flags
	rpcFlag = cli.StringFlag{
		Name:  "rpc",
		Usage: "Ethereum JSON-RPC endpoint (ws:// endpoints receive pushed events)",
		Value: "http://localhost:8545",
	}
	contractFlag = cli.StringFlag{
		Name:  "contract",
		Usage: "Deployed gallery contract address",
	}
	keyfileFlag = cli.StringFlag{
		Name:  "keyfile",
		Usage: "Path to the JSON keyfile of the wallet (omit for read-only)",
	}
	passwordFlag = cli.StringFlag{
		Name:  "password",
		Usage: "File holding the keyfile passphrase",
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file (timeouts, networks, IPFS gateway)",
	}
	listenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "HTTP listen address for JSON-RPC API",
		Value: ":8550",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: int(log.LvlInfo),
	}
	toFlag = cli.StringFlag{
		Name:  "to",
		Usage: "Recipient address",
	}
	tokenFlag = cli.Uint64Flag{
		Name:  "token",
		Usage: "Token id",
	}

	connFlags = []cli.Flag{rpcFlag, contractFlag, keyfileFlag, passwordFlag, configFlag, verbosityFlag}
)

func init() {
	app.Name = "gallerysync"
	app.Usage = "NFT gallery state synchronizer and transaction service"
	app.Version = "0.1.0"
	app.Action = run
	app.Flags = append(append([]cli.Flag{}, connFlags...), listenFlag)
	app.Commands = []cli.Command{
		{
			Name:   "info",
			Usage:  "Print the contract snapshot and mint quote",
			Action: infoCmd,
			Flags:  connFlags,
		},
		{
			Name:   "tokens",
			Usage:  "Print the metadata of every token",
			Action: tokensCmd,
			Flags:  connFlags,
		},
		{
			Name:   "owned",
			Usage:  "Print the token ids owned by the wallet",
			Action: ownedCmd,
			Flags:  connFlags,
		},
		{
			Name:   "mint",
			Usage:  "Mint the next token to the wallet",
			Action: mintCmd,
			Flags:  connFlags,
		},
		{
			Name:   "transfer",
			Usage:  "Transfer a token from the wallet",
			Action: transferCmd,
			Flags:  append(append([]cli.Flag{}, connFlags...), tokenFlag, toFlag),
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	lvl := log.Lvl(ctx.Int(verbosityFlag.Name))
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))
}

// openSession dials the node and starts a gallery session. The returned
// func tears both down.
func openSession(ctx *cli.Context, parent context.Context) (*gallery.Session, *gallery.Config, func(), error) {
	setupLogging(ctx)

	if !ctx.IsSet(contractFlag.Name) {
		return nil, nil, nil, errors.New("--contract flag is required")
	}
	addr := ctx.String(contractFlag.Name)
	if !gallery.ValidAddress(addr) {
		return nil, nil, nil, fmt.Errorf("invalid contract address %q", addr)
	}
	cfg, err := gallery.LoadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return nil, nil, nil, err
	}
	var password string
	if file := ctx.String(passwordFlag.Name); file != "" {
		blob, err := os.ReadFile(file)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read password file: %v", err)
		}
		password = strings.TrimRight(string(blob), "\r\n")
	}
	client, err := gallery.DialEthereum(parent, ctx.String(rpcFlag.Name), common.HexToAddress(addr),
		ctx.String(keyfileFlag.Name), password, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	fetcher := gallery.NewHTTPFetcher(&http.Client{Timeout: cfg.MetadataTimeout}, cfg.IPFSGateway)
	session := gallery.NewSession(client, fetcher, cfg)
	if err := session.Start(parent); err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	return session, cfg, func() {
		session.Close()
		client.Close()
	}, nil
}

func run(ctx *cli.Context) error {
	parent, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, _, closeSession, err := openSession(ctx, parent)
	if err != nil {
		return err
	}
	defer closeSession()

	server := rpc.NewServer()
	if err := server.RegisterName("gallery", gallery.NewAPI(session)); err != nil {
		return err
	}
	defer server.Stop()

	httpServer := &http.Server{
		Addr:              ctx.String(listenFlag.Name),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpServer.ListenAndServe() }()
	log.Info("Gallery service ready", "listen", httpServer.Addr, "account", session.Account())

	select {
	case err := <-errc:
		return err
	case <-parent.Done():
	}
	log.Info("Shutting down gallery service")
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdown)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func infoCmd(ctx *cli.Context) error {
	session, cfg, closeSession, err := openSession(ctx, context.Background())
	if err != nil {
		return err
	}
	defer closeSession()

	snap, _ := session.Snapshot()
	log.Info("Gallery contract info",
		"address", ctx.String(contractFlag.Name),
		"rpc", ctx.String(rpcFlag.Name),
		"networks", len(cfg.Networks),
	)
	quote, err := gallery.QuoteMint(snap)
	if errors.Is(err, gallery.ErrSoldOut) {
		return printJSON(map[string]interface{}{"snapshot": snap, "soldOut": true})
	} else if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"snapshot": snap, "quote": quote})
}

func tokensCmd(ctx *cli.Context) error {
	session, _, closeSession, err := openSession(ctx, context.Background())
	if err != nil {
		return err
	}
	defer closeSession()

	snap, _ := session.Snapshot()
	// The session fills metadata in the background; wait for it here.
	deadline := time.Now().Add(time.Minute)
	for uint64(len(session.Tokens())) < snap.MaxSupply && time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
	}
	return printJSON(session.Tokens())
}

func ownedCmd(ctx *cli.Context) error {
	session, _, closeSession, err := openSession(ctx, context.Background())
	if err != nil {
		return err
	}
	defer closeSession()

	if session.Account() == (common.Address{}) {
		return errors.New("--keyfile is required to know which account to list")
	}
	return printJSON(map[string]interface{}{"account": session.Account(), "owned": session.Owned()})
}

func reportTask(task gallery.Task, err error) error {
	var txErr *gallery.TxError
	if err != nil && !errors.As(err, &txErr) {
		return err
	}
	if err := printJSON(task); err != nil {
		return err
	}
	if txErr != nil {
		return fmt.Errorf("%s: %v", txErr.Reason.Message(), txErr.Err)
	}
	return nil
}

func mintCmd(ctx *cli.Context) error {
	session, _, closeSession, err := openSession(ctx, context.Background())
	if err != nil {
		return err
	}
	defer closeSession()

	return reportTask(session.RequestMint(context.Background()))
}

func transferCmd(ctx *cli.Context) error {
	if !ctx.IsSet(tokenFlag.Name) || !ctx.IsSet(toFlag.Name) {
		return errors.New("--token and --to flags are required")
	}
	session, _, closeSession, err := openSession(ctx, context.Background())
	if err != nil {
		return err
	}
	defer closeSession()

	return reportTask(session.RequestTransfer(context.Background(), ctx.Uint64(tokenFlag.Name), ctx.String(toFlag.Name)))
}
