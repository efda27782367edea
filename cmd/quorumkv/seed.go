package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/quorumkv/quorumkv/pkg/clock"
	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/txn"
)

// seedStore preloads store per the --keys-path / --data-file-path /
// --num-keys flags of spec.md §6: --keys-path names a newline-delimited
// key list to create with an empty value, --data-file-path names a
// "key=value" per line seed file, and --num-keys (used when neither path
// flag is set) generates that many synthetic "key<N>" entries. All three
// are mutually exclusive preload sources; the caller picks one.
func seedStore(store *kvstore.Store, clk *clock.Oracle, keysPath, dataFilePath string, numKeys int) error {
	switch {
	case dataFilePath != "":
		return seedFromDataFile(store, clk, dataFilePath)
	case keysPath != "":
		return seedFromKeysFile(store, clk, keysPath)
	case numKeys > 0:
		return seedSynthetic(store, clk, numKeys)
	default:
		return nil
	}
}

func seedFromKeysFile(store *kvstore.Store, clk *clock.Oracle, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("seed: open keys file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key := scanner.Text()
		if key == "" {
			continue
		}
		if err := store.Put(key, nil, clk.Now(), txn.ID{}); err != nil {
			return fmt.Errorf("seed: put %q: %w", key, err)
		}
	}
	return scanner.Err()
}

func seedFromDataFile(store *kvstore.Store, clk *clock.Oracle, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("seed: open data file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, value, ok := splitKeyValue(line)
		if !ok {
			return fmt.Errorf("seed: malformed data file line %q, want key=value", line)
		}
		if err := store.Put(key, []byte(value), clk.Now(), txn.ID{}); err != nil {
			return fmt.Errorf("seed: put %q: %w", key, err)
		}
	}
	return scanner.Err()
}

func splitKeyValue(line string) (key, value string, ok bool) {
	for i, r := range line {
		if r == '=' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}

func seedSynthetic(store *kvstore.Store, clk *clock.Oracle, numKeys int) error {
	for i := 0; i < numKeys; i++ {
		key := "key" + strconv.Itoa(i)
		if err := store.Put(key, nil, clk.Now(), txn.ID{}); err != nil {
			return fmt.Errorf("seed: put %q: %w", key, err)
		}
	}
	return nil
}
