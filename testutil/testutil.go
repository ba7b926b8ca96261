package testutil

import (
	"math"
	"math/rand"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
)

// User is the document shape produced by RNG.Users.
type User struct {
	Name string `json:"name"`
	City string `json:"city"`
	Age  int    `json:"age"`
}

// Doc is a generated document.
type Doc struct {
	Key  string
	Data []byte
}

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Zipf returns a Zipf-distributed value in [0, n) with exponent s.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}
	// Inverse CDF over the harmonic weights 1/k^s.
	var total float64
	for k := 1; k <= n; k++ {
		total += 1 / math.Pow(float64(k), s)
	}
	u := r.rand.Float64() * total
	var acc float64
	for k := 1; k <= n; k++ {
		acc += 1 / math.Pow(float64(k), s)
		if u < acc {
			return k - 1
		}
	}
	return n - 1
}

// City returns the name of city i.
func City(i int) string {
	return "city-" + strconv.Itoa(i)
}

// Users generates num JSON user documents keyed "users/<n>" whose cities are
// drawn from cities buckets.
func (r *RNG) Users(num, cities int) []Doc {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs := make([]Doc, num)
	for i := range docs {
		u := User{
			Name: "user-" + strconv.Itoa(i),
			City: City(r.zipfLocked(cities, 1.1)),
			Age:  18 + r.rand.Intn(60),
		}
		data, err := json.Marshal(u)
		if err != nil {
			panic(err)
		}
		docs[i] = Doc{Key: "users/" + strconv.Itoa(i), Data: data}
	}
	return docs
}

// CountByCity returns the expected number of users per city in docs.
func CountByCity(docs []Doc) map[string]int {
	counts := make(map[string]int)
	for _, d := range docs {
		var u User
		if err := json.Unmarshal(d.Data, &u); err != nil {
			panic(err)
		}
		counts[u.City]++
	}
	return counts
}
