// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reqprof/reqprof/pkg/util/log"
)

// writeSpill persists records as a JSON array under a time-ordered name,
// with temp+rename atomicity so a crash can never leave a partial file.
func writeSpill(dir string, records [][]byte) error {
	raws := make([]json.RawMessage, len(records))
	for i, r := range records {
		raws[i] = json.RawMessage(r)
	}
	data, err := json.Marshal(raws)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "buffer-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return werr
	}

	final := filepath.Join(dir, fmt.Sprintf("buffer_%d_%s.json", time.Now().UnixMicro(), nonce()))
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// replaySpills re-admits every spilled record in filename (time) order.
// Replayed files are deleted, corrupt ones are logged and deleted so they
// cannot wedge the daemon in a crash loop.
func (d *Daemon) replaySpills() {
	entries, err := os.ReadDir(d.cfg.BufferPath)
	if err != nil {
		log.Warnf("agent: cannot read buffer directory %s: %v", d.cfg.BufferPath, err)
		return
	}

	replayed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isSpillName(name) {
			continue
		}
		path := filepath.Join(d.cfg.BufferPath, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("agent: cannot read spill file %s: %v", path, err)
			continue
		}

		if strings.HasPrefix(name, "buffer_") {
			var records []json.RawMessage
			if err := json.Unmarshal(raw, &records); err != nil {
				log.Warnf("agent: deleting corrupt spill file %s: %v", path, err)
				os.Remove(path)
				continue
			}
			for _, r := range records {
				d.enqueue([]byte(r))
				replayed++
			}
		} else {
			if !json.Valid(raw) {
				log.Warnf("agent: deleting corrupt spill file %s", path)
				os.Remove(path)
				continue
			}
			d.enqueue(raw)
			replayed++
		}
		os.Remove(path)
	}

	if replayed > 0 {
		log.Infof("agent: replayed %d spilled records", replayed)
	}
}

// countSpillFiles reports how many spill files currently sit in the buffer
// directory.
func (d *Daemon) countSpillFiles() int {
	entries, err := os.ReadDir(d.cfg.BufferPath)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && isSpillName(e.Name()) {
			n++
		}
	}
	return n
}

func isSpillName(name string) bool {
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	return strings.HasPrefix(name, "buffer_") || strings.HasPrefix(name, "profile_")
}

func nonce() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
