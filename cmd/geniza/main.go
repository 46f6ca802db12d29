// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command geniza is a thin CLI wrapper over the drive, register, wire,
// sync and discovery packages: create a drive, import/export files,
// list and browse its history, and serve or clone it over the network
// (spec.md §4, §C.4).
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/bnewbold/geniza/config"
	"github.com/bnewbold/geniza/discovery"
	"github.com/bnewbold/geniza/drive"
	"github.com/bnewbold/geniza/internal/logging"
	"github.com/bnewbold/geniza/register"
	"github.com/bnewbold/geniza/sync"
	"github.com/bnewbold/geniza/wire"
)

var logger = logging.OrNoOp(nil)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "ls":
		err = runLs(os.Args[2:])
	case "log":
		err = runLog(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "clone":
		err = runClone(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "geniza: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "subcommand", os.Args[1], "err", err)
		fmt.Fprintf(os.Stderr, "geniza %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: geniza <subcommand> [args]

subcommands:
  create <dir>                       initialize a new drive
  import <dir> <src> <dest>          copy a local file or directory into the drive
  export <dir> <src> <dest>          copy a path out of the drive to local disk
  ls [-r] <dir> [path]               list drive contents under path (default "/")
  log <dir> [start]                  print the metadata history from index start
  serve [-addr host:port] <dir>      accept incoming peer connections and sync
  clone [-peer addr] <address> <dir> download a remote drive by its public key`)
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	compress := fs.Bool("compress", false, "store content-register entries zstd-compressed")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: geniza create [-compress] <dir>")
	}
	dir := fs.Arg(0)

	var opts []drive.CreateOption
	if *compress {
		opts = append(opts, drive.WithCompression(true))
	}
	d, err := drive.Create(dir, config.Default, logger, opts...)
	if err != nil {
		return err
	}
	defer d.Close()

	fmt.Printf("created drive at %s\naddress: %s\n", dir, discovery.FormatAddress(d.Metadata().PublicKey()))
	return nil
}

func runImport(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: geniza import <dir> <src> <dest>")
	}
	dir, src, dest := args[0], args[1], args[2]

	d, err := drive.Open(dir, true, config.Default, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return d.ImportDirAll(src, dest)
	}
	_, err = d.ImportFile(src, dest)
	return err
}

func runExport(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: geniza export <dir> <src> <dest>")
	}
	dir, src, dest := args[0], args[1], args[2]

	d, err := drive.Open(dir, false, config.Default, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := d.FileMetadata(src); err != nil {
		if errors.Is(err, drive.ErrNotFound) {
			return d.ExportDir(src, dest)
		}
		return err
	}
	return d.ExportFile(src, dest)
}

func runLs(args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	recursive := fs.Bool("r", false, "list recursively")
	fs.Parse(args)
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return fmt.Errorf("usage: geniza ls [-r] <dir> [path]")
	}
	dir := fs.Arg(0)
	path := "/"
	if fs.NArg() == 2 {
		path = fs.Arg(1)
	}

	d, err := drive.Open(dir, false, config.Default, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	var entries []drive.DriveEntry
	if *recursive {
		entries, err = d.ReadDirRecursive(path)
	} else {
		entries, err = d.ReadDir(path)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Stat == nil {
			fmt.Printf("%10s  %s\n", "-", e.Path)
			continue
		}
		fmt.Printf("%10d  %s\n", e.Stat.Size, e.Path)
	}
	return nil
}

func runLog(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: geniza log <dir> [start]")
	}
	dir := args[0]
	var start uint64
	if len(args) == 2 {
		if _, err := fmt.Sscanf(args[1], "%d", &start); err != nil {
			return fmt.Errorf("bad start index %q: %w", args[1], err)
		}
	}

	d, err := drive.Open(dir, false, config.Default, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	entries, err := d.History(start)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Deleted() {
			fmt.Printf("%6d  DELETE  %s\n", e.Index, e.Path)
		} else {
			fmt.Printf("%6d  WRITE   %s (%d bytes)\n", e.Index, e.Path, e.Stat.Size)
		}
	}
	return nil
}

// runServe listens for inbound connections and replicates the drive at
// dir to every peer indefinitely (spec.md §8 scenario 4, server side).
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", fmt.Sprintf(":%d", config.Default.DefaultPort), "address to listen on")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: geniza serve [-addr host:port] <dir>")
	}
	dir := fs.Arg(0)

	d, err := drive.Open(dir, false, config.Default, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	sn, err := sync.NewDriveSynchronizer(sync.ModeTxEndless, d.Metadata(), nil, logger, nil)
	if err != nil {
		return err
	}
	if err := sn.AddFeed(1, d.Content()); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	fmt.Printf("serving %s\naddress: %s\nlistening on %s\n",
		dir, discovery.FormatAddress(d.Metadata().PublicKey()), ln.Addr())

	ctx := context.Background()
	for {
		raw, err := ln.Accept()
		if err != nil {
			return err
		}
		go servePeer(ctx, raw, d.Metadata().PublicKey(), sn)
	}
}

func servePeer(ctx context.Context, raw net.Conn, pub ed25519.PublicKey, sn *sync.Synchronizer) {
	conn, err := wire.Accept(raw, pub, config.Default, logger, nil)
	if err != nil {
		logger.Error("handshake failed", "peer", raw.RemoteAddr(), "err", err)
		return
	}
	defer conn.Close()

	peer, err := sn.AddPeer(conn)
	if err != nil {
		logger.Error("add peer failed", "peer", raw.RemoteAddr(), "err", err)
		return
	}
	defer sn.RemovePeer(peer)

	go conn.Run(ctx)
	if err := sn.Serve(ctx, peer); err != nil {
		logger.Error("peer session ended", "peer", raw.RemoteAddr(), "err", err)
	}
}

// runClone connects to a single peer and downloads the drive named by
// address into dir, exiting once the metadata register's length, and
// then the content register's, has stopped changing for a short quiet
// period (spec.md §8 scenario 4, client side). Non-goal per SPEC_FULL.md: multi-peer swarming or automatic
// peer selection among several discovered candidates — -peer must name
// exactly one address, or discovery.LookupPeers's first result is used.
func runClone(args []string) error {
	fs := flag.NewFlagSet("clone", flag.ExitOnError)
	peerAddr := fs.String("peer", "", "address of a peer to dial directly (host:port); if empty, DNS discovery is attempted")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: geniza clone [-peer host:port] <address> <dir>")
	}
	addrStr, dir := fs.Arg(0), fs.Arg(1)

	pub, err := discovery.ParseAddress(addrStr)
	if err != nil {
		return err
	}

	target := *peerAddr
	if target == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		peers, err := discovery.LookupPeers(ctx, register.DiscoveryKeyFor(pub))
		if err != nil {
			return fmt.Errorf("no -peer given and DNS discovery failed: %w", err)
		}
		if len(peers) == 0 {
			return fmt.Errorf("no -peer given and DNS discovery found no candidates")
		}
		target = peers[0]
	}

	metaDir := dir + "/metadata"
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return err
	}
	metadata, err := register.CreateForKey(metaDir, "metadata", pub, logger)
	if err != nil {
		return err
	}

	var content *register.Register
	opener := func(contentPub ed25519.PublicKey) (*register.Register, error) {
		contentDir := dir + "/content"
		if err := os.MkdirAll(contentDir, 0o755); err != nil {
			return nil, err
		}
		c, err := register.CreateForKey(contentDir, "content", contentPub, logger)
		if err != nil {
			return nil, err
		}
		content = c
		return c, nil
	}

	sn, err := sync.NewDriveSynchronizer(sync.ModeRxMax, metadata, opener, logger, nil)
	if err != nil {
		metadata.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Default.ConnectTimeout)
	conn, err := wire.DialTCP(ctx, target, pub, config.Default, logger, nil)
	cancel()
	if err != nil {
		metadata.Close()
		return err
	}
	defer conn.Close()

	peer, err := sn.AddPeer(conn)
	if err != nil {
		metadata.Close()
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go conn.Run(runCtx)
	go sn.Serve(runCtx, peer)

	fmt.Printf("cloning %s from %s into %s ...\n", addrStr, target, dir)
	waitErr := waitForMetadataIdle(metadata)
	if waitErr == nil && content != nil {
		waitErr = waitForContentIdle(content)
	}

	runCancel()
	metadata.Close()
	if content != nil {
		content.Close()
	}
	if waitErr != nil {
		return waitErr
	}
	fmt.Println("clone complete")
	return nil
}

// waitForMetadataIdle polls the metadata register until no new entries
// have arrived for a short quiet period, a reasonable proxy for
// "caught up" absent an explicit end-of-register signal from the peer.
func waitForMetadataIdle(r *register.Register) error {
	return waitIdle(func() (uint64, error) { return r.Length() })
}

func waitForContentIdle(r *register.Register) error {
	return waitIdle(func() (uint64, error) { return r.Length() })
}

func waitIdle(length func() (uint64, error)) error {
	const quiet = 1500 * time.Millisecond
	const timeout = 2 * time.Minute

	deadline := time.Now().Add(timeout)
	last, err := length()
	if err != nil {
		return err
	}
	lastChange := time.Now()
	for {
		time.Sleep(100 * time.Millisecond)
		n, err := length()
		if err != nil {
			return err
		}
		if n != last {
			last = n
			lastChange = time.Now()
		}
		if time.Since(lastChange) > quiet {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for replication to settle at %d entries", timeout, last)
		}
	}
}
