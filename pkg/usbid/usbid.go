package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database caches vendor and product names.
type Database struct {
	paths []string

	mu       sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string // (VID<<16)|PID
	loaded   bool
	source   string
}

// New creates a database that searches paths, or DefaultPaths if none are
// given.
func New(paths ...string) *Database {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Database{
		paths:    paths,
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Load reads the first database file found. Only the first call searches.
// Returns true if a file was read.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return db.source != ""
	}
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.parse(f)
		f.Close()
		if err != nil {
			continue
		}
		db.source = path
		return true
	}
	return false
}

// Parse reads database entries from r, adding to any already present.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.parse(r)
}

// parse handles vendor lines ("vvvv  Name") and the product lines
// ("\tpppp  Name") that follow them. Any other line ends the vendor block.
func (db *Database) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var vid uint16
	inVendor := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor {
				continue
			}
			if id, name, ok := splitEntry(line[1:]); ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := splitEntry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	return scanner.Err()
}

// splitEntry parses "xxxx  Name".
func splitEntry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimLeft(s[5:], " ")
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Source returns the path Load read, or "" if none.
func (db *Database) Source() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.source
}

// Vendor returns the vendor name for vid.
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the product name for vid:pid.
func (db *Database) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Names returns both names for vid:pid.
func (db *Database) Names(vid, pid uint16) (vendor, product string) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid], db.products[uint32(vid)<<16|uint32(pid)]
}

// Describe formats vid:pid with whatever names are known.
func (db *Database) Describe(vid, pid uint16) string {
	vendor, product := db.Names(vid, pid)
	id := fmt.Sprintf("%04x:%04x", vid, pid)
	switch {
	case vendor != "" && product != "":
		return id + " " + vendor + " " + product
	case vendor != "":
		return id + " " + vendor
	default:
		return id
	}
}

// Counts returns the number of vendors and products known.
func (db *Database) Counts() (vendors, products int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.products)
}
