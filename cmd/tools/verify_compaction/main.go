package main

import (
	"fmt"
	"os"

	"github.com/myuser/uranus/internal/storage"
)

// Checks compaction directly against MemoryStore: versions shadowed below
// the safe point go, the newest one at or below it and anything newer stay.
func main() {
	s := storage.NewMemoryStore()
	defer s.Close()

	key := []byte("keyA")
	for _, seq := range []uint64{10, 20, 30} {
		v := storage.Version{Key: key, Value: []byte(fmt.Sprintf("val%d", seq)), Seq: seq}
		if _, err := s.WriteBatch([]storage.Version{v}); err != nil {
			fmt.Printf("FAIL: write seq %d: %v\n", seq, err)
			os.Exit(1)
		}
	}
	fmt.Println("Initial State Created.")

	failed := false
	expect := func(at uint64, want string, msg string) {
		v, ok := s.Read(key, at)
		got := ""
		if ok && !v.Tombstone {
			got = string(v.Value)
		}
		if got != want {
			fmt.Printf("FAIL: Read %d expected %q, got %q\n", at, want, got)
			failed = true
			return
		}
		fmt.Println("PASS:", msg)
	}

	expect(25, "val20", "pre-compaction read at 25 sees val20")

	fmt.Println("Running Compact(25)...")
	n, err := s.Compact(25)
	if err != nil {
		fmt.Printf("FAIL: compact: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Reclaimed versions: %d\n", n)

	expect(15, "", "version 10 is gone")
	expect(25, "val20", "version 20 remained")
	expect(35, "val30", "version 30 remained")

	if failed {
		os.Exit(1)
	}
}
