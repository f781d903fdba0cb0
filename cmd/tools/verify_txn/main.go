package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/myuser/uranus/internal/client"
)

// Walks two connections through a transaction against a running server and
// checks what each one can see at every step.
func main() {
	addr := flag.String("addr", "127.0.0.1:12322", "Server address")
	key := flag.String("key", "verify:txn", "Key to write")
	flag.Parse()

	writer, err := client.Dial(*addr)
	must(err)
	defer writer.Close()
	reader, err := client.Dial(*addr)
	must(err)
	defer reader.Close()

	k := []byte(*key)
	must(reader.Delete(k))

	fmt.Println("1. BEGIN + PUT on writer...")
	_, err = writer.Begin()
	must(err)
	must(writer.Put(k, []byte("myvalue")))

	fmt.Println("2. Reading from writer (expect own write)...")
	expect(writer, k, "myvalue")

	fmt.Println("3. Reading from reader (expect nothing before COMMIT)...")
	expect(reader, k, "")

	fmt.Println("4. Opening a snapshot on reader, then COMMIT on writer...")
	_, err = reader.Begin()
	must(err)
	seq, err := writer.Commit()
	must(err)
	fmt.Printf("   committed at seq %d\n", seq)

	fmt.Println("5. Reading inside reader's snapshot (expect nothing)...")
	expect(reader, k, "")
	must(reader.Abort())

	fmt.Println("6. Reading after COMMIT (expect value)...")
	expect(reader, k, "myvalue")

	fmt.Println("7. Conflicting writers (expect CONFLICT on the second COMMIT)...")
	_, err = writer.Begin()
	must(err)
	_, err = reader.Begin()
	must(err)
	must(writer.Put(k, []byte("first")))
	must(reader.Put(k, []byte("second")))
	_, err = writer.Commit()
	must(err)
	_, err = reader.Commit()
	if !client.IsConflict(err) {
		fail("expected CONFLICT, got %v", err)
	}
	fmt.Println("PASS: all steps behaved as expected")
}

func expect(c *client.Client, key []byte, want string) {
	v, ok, err := c.Get(key)
	must(err)
	got := ""
	if ok {
		got = string(v)
	}
	if got != want {
		fail("read %s: expected %q, got %q", key, want, got)
	}
}

func must(err error) {
	if err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Printf("FAIL: "+format+"\n", args...)
	os.Exit(1)
}
