package status

import (
	"fmt"
	"strings"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/samber/lo"
)

// Raw LMDB flags the Go bindings do not export
const (
	LMDBIntegerKey uint = 0x08
	LMDBIntegerDup uint = 0x20
)

type dbiFlag struct {
	name string
	flag uint
}

var dbiFlags = []dbiFlag{
	{"REVERSEKEY", lmdb.ReverseKey},
	{"DUPSORT", lmdb.DupSort},
	{"DUPFIXED", lmdb.DupFixed},
	{"REVERSEDUP", lmdb.ReverseDup},
	{"INTEGERKEY", LMDBIntegerKey},
	{"INTEGERDUP", LMDBIntegerDup},
}

// displayFlags renders DBI flags for the status page, with unknown bits in hex
func displayFlags(fl uint) string {
	var known uint
	names := lo.FilterMap(dbiFlags, func(f dbiFlag, _ int) (string, bool) {
		known |= f.flag
		return f.name, fl&f.flag != 0
	})
	if rest := fl &^ known; rest != 0 {
		names = append(names, fmt.Sprintf("%02x", rest))
	}
	return strings.Join(names, ",")
}
