package iptvscan

import (
	"os"
	"testing"

	"github.com/yitter/idgenerator-go/idgen"
)

func TestMain(m *testing.M) {
	idgen.SetIdGenerator(idgen.NewIdGeneratorOptions(1))
	os.Exit(m.Run())
}
