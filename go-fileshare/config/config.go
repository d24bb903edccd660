package config

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var ErrMalformed = errors.New("malformed configuration")

// Common holds the settings shared by every peer (Common.cfg).
type Common struct {
	NumberOfPreferredNeighbors  int
	UnchokingInterval           time.Duration
	OptimisticUnchokingInterval time.Duration
	FileName                    string
	FileSize                    int
	PieceSize                   int
}

// PeerInfo is one roster line (PeerInfo.cfg).
type PeerInfo struct {
	ID      string
	Host    string
	Port    int
	HasFile bool
}

func (p PeerInfo) Addr() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// Roster keeps the peers in file order.
type Roster []PeerInfo

func (r Roster) Lookup(id string) (PeerInfo, int, bool) {
	for i, p := range r {
		if p.ID == id {
			return p, i, true
		}
	}
	return PeerInfo{}, -1, false
}

// Before returns the peers listed ahead of id, the ones id dials.
func (r Roster) Before(id string) []PeerInfo {
	_, i, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	return append([]PeerInfo{}, r[:i]...)
}

// Others returns every peer except id.
func (r Roster) Others(id string) []PeerInfo {
	others := make([]PeerInfo, 0, len(r))
	for _, p := range r {
		if p.ID != id {
			others = append(others, p)
		}
	}
	return others
}

func LoadCommon(fs afero.Fs, path string) (*Common, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	return ParseCommon(f)
}

func LoadPeers(fs afero.Fs, path string) (Roster, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	return ParsePeers(f)
}

func fields(r io.Reader, each func(line int, fields []string) error) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := each(line, strings.Fields(text)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func positive(line int, key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, errors.Wrapf(ErrMalformed, "line %d: %s must be a positive integer, got %q", line, key, value)
	}
	return n, nil
}

func ParseCommon(r io.Reader) (*Common, error) {
	c := &Common{}
	seen := map[string]bool{}
	err := fields(r, func(line int, f []string) error {
		if len(f) != 2 {
			return errors.Wrapf(ErrMalformed, "line %d: want \"Key Value\"", line)
		}
		key, value := f[0], f[1]
		var err error
		var n int
		switch key {
		case "NumberOfPreferredNeighbors":
			c.NumberOfPreferredNeighbors, err = positive(line, key, value)
		case "UnchokingInterval":
			n, err = positive(line, key, value)
			c.UnchokingInterval = time.Duration(n) * time.Second
		case "OptimisticUnchokingInterval":
			n, err = positive(line, key, value)
			c.OptimisticUnchokingInterval = time.Duration(n) * time.Second
		case "FileName":
			c.FileName = value
		case "FileSize":
			c.FileSize, err = positive(line, key, value)
		case "PieceSize":
			c.PieceSize, err = positive(line, key, value)
		default:
			return nil
		}
		seen[key] = true
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, key := range []string{
		"NumberOfPreferredNeighbors",
		"UnchokingInterval",
		"OptimisticUnchokingInterval",
		"FileName",
		"FileSize",
		"PieceSize",
	} {
		if !seen[key] {
			return nil, errors.Wrapf(ErrMalformed, "missing %s", key)
		}
	}
	return c, nil
}

func ParsePeers(r io.Reader) (Roster, error) {
	roster := Roster{}
	ids := map[string]bool{}
	err := fields(r, func(line int, f []string) error {
		if len(f) != 4 {
			return errors.Wrapf(ErrMalformed, "line %d: want \"peerID host port hasFile\"", line)
		}
		if _, err := strconv.ParseUint(f[0], 10, 32); err != nil {
			return errors.Wrapf(ErrMalformed, "line %d: peer id %q is not a 32-bit unsigned integer", line, f[0])
		}
		if ids[f[0]] {
			return errors.Wrapf(ErrMalformed, "line %d: duplicate peer id %s", line, f[0])
		}
		port, err := strconv.Atoi(f[2])
		if err != nil || port <= 0 || port > 65535 {
			return errors.Wrapf(ErrMalformed, "line %d: bad port %q", line, f[2])
		}
		if f[3] != "0" && f[3] != "1" {
			return errors.Wrapf(ErrMalformed, "line %d: hasFile must be 0 or 1, got %q", line, f[3])
		}
		ids[f[0]] = true
		roster = append(roster, PeerInfo{
			ID:      f[0],
			Host:    f[1],
			Port:    port,
			HasFile: f[3] == "1",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty peer roster")
	}
	return roster, nil
}
