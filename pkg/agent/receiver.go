// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/reqprof/reqprof/pkg/util/log"
)

// startReceivers binds the stream socket and its datagram sibling. The
// socket files are world-writable so the host web application can reach
// them.
func (d *Daemon) startReceivers() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("cannot create runtime directory: %w", err)
	}

	os.Remove(d.cfg.SocketPath)
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("cannot bind stream socket %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o666); err != nil {
		log.Warnf("agent: cannot chmod %s: %v", d.cfg.SocketPath, err)
	}
	d.stream = ln

	dgramPath := d.cfg.SocketPath + ".dgram"
	os.Remove(dgramPath)
	dconn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: dgramPath, Net: "unixgram"})
	if err != nil {
		ln.Close()
		return fmt.Errorf("cannot bind datagram socket %s: %w", dgramPath, err)
	}
	if err := os.Chmod(dgramPath, 0o666); err != nil {
		log.Warnf("agent: cannot chmod %s: %v", dgramPath, err)
	}
	d.dgram = dconn

	d.wg.Add(2)
	go d.acceptLoop()
	go d.datagramLoop()
	return nil
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.stream.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Errorf("agent: accept failed: %v", err)
			}
			return
		}
		d.wg.Add(1)
		go d.readConn(conn)
	}
}

// readConn consumes newline-framed records from one connection. Malformed
// lines are logged and skipped; the connection stays up for the next line.
func (d *Daemon) readConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			log.Warnf("agent: skipping malformed record from local socket")
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		d.events <- event{kind: evRecord, data: data}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warnf("agent: local connection read error: %v", err)
	}
}

func (d *Daemon) datagramLoop() {
	defer d.wg.Done()
	buf := make([]byte, 2*maxLineBytes)
	for {
		n, _, err := d.dgram.ReadFromUnix(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Errorf("agent: datagram read failed: %v", err)
			}
			return
		}
		pkt := bytes.TrimSpace(buf[:n])
		if len(pkt) == 0 {
			continue
		}
		if !json.Valid(pkt) {
			log.Warnf("agent: skipping malformed datagram")
			continue
		}
		data := make([]byte, len(pkt))
		copy(data, pkt)
		d.events <- event{kind: evRecord, data: data}
	}
}
