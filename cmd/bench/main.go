package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// bench drives join → act → leave cycles against one or two nodes. With
// -addr2 every identity leaves the first node and joins the second, which
// exercises the cross-node fetch path.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address")
	addr2 := flag.String("addr2", "", "second server address; identities move there after leaving addr")
	n := flag.Int("n", 1000, "identities")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "state size bytes")
	unlockWait := flag.Duration("wait", 15*time.Second, "how long to wait for a session to unlock")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)

	var ok, failed, mismatched atomic.Int64
	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func() {
			defer wg.Done()
			defer func() { <-ch }()
			id := uuid.NewString()
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)

			if err := cycle(client, *addr, id, payload, *unlockWait); err != nil {
				failed.Add(1)
				return
			}
			if *addr2 != "" {
				got, err := joinAndRead(client, *addr2, id, *unlockWait)
				if err != nil {
					failed.Add(1)
					return
				}
				if !bytes.Equal(got, payload) {
					mismatched.Add(1)
					return
				}
			}
			ok.Add(1)
		}()
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d identities in %s (%.2f cycles/s): ok=%d failed=%d mismatched=%d\n",
		*n, dur, float64(*n)/dur.Seconds(), ok.Load(), failed.Load(), mismatched.Load())
}

type status struct {
	Active bool   `json:"active"`
	Locked bool   `json:"locked"`
	Data   []byte `json:"data"`
}

func post(client *http.Client, url string, body []byte) (int, error) {
	resp, err := client.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func get(client *http.Client, url string) (status, error) {
	var st status
	resp, err := client.Get(url)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return st, json.NewDecoder(resp.Body).Decode(&st)
}

func waitUnlocked(client *http.Client, base, id string, wait time.Duration) (status, error) {
	deadline := time.Now().Add(wait)
	for {
		st, err := get(client, base+"/sessions/"+id)
		if err == nil && st.Active && !st.Locked {
			return st, nil
		}
		if time.Now().After(deadline) {
			return st, fmt.Errorf("session %s still locked", id)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func cycle(client *http.Client, base, id string, payload []byte, wait time.Duration) error {
	if code, err := post(client, base+"/sessions/"+id+"/join", nil); err != nil || code >= 300 {
		return fmt.Errorf("join: %d %v", code, err)
	}
	if _, err := waitUnlocked(client, base, id, wait); err != nil {
		return err
	}
	if code, err := post(client, base+"/sessions/"+id+"/act", payload); err != nil || code != http.StatusNoContent {
		return fmt.Errorf("act: %d %v", code, err)
	}
	if code, err := post(client, base+"/sessions/"+id+"/leave", nil); err != nil || code != http.StatusNoContent {
		return fmt.Errorf("leave: %d %v", code, err)
	}
	return nil
}

func joinAndRead(client *http.Client, base, id string, wait time.Duration) ([]byte, error) {
	if code, err := post(client, base+"/sessions/"+id+"/join", nil); err != nil || code >= 300 {
		return nil, fmt.Errorf("join: %d %v", code, err)
	}
	st, err := waitUnlocked(client, base, id, wait)
	if err != nil {
		return nil, err
	}
	if code, err := post(client, base+"/sessions/"+id+"/leave", nil); err != nil || code != http.StatusNoContent {
		return nil, fmt.Errorf("leave: %d %v", code, err)
	}
	return st.Data, nil
}
