package crdtree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/stretchr/testify/require"
)

// populate creates factor directories of ten files each.
func populate(b *testing.B, r *Replica, factor int) {
	for n := 0; n < factor; n++ {
		dir, err := r.Insert(ctx, RootID, fmt.Sprint(n), Object, nil)
		require.NoError(b, err)
		for i := 0; i < 10; i++ {
			_, err := r.Insert(ctx, dir.ID, fmt.Sprint(i), Register, []byte{byte(i)})
			require.NoError(b, err)
		}
	}
}

func benchmarkAuthor(factor int, b *testing.B) {
	for n := 0; n < b.N; n++ {
		populate(b, NewInMemory("a"), factor)
	}
}

func BenchmarkAuthor1(b *testing.B)   { benchmarkAuthor(1, b) }
func BenchmarkAuthor10(b *testing.B)  { benchmarkAuthor(10, b) }
func BenchmarkAuthor100(b *testing.B) { benchmarkAuthor(100, b) }

func benchmarkApply(factor int, b *testing.B) {
	a := NewInMemory("a")
	populate(b, a, factor)
	ops := a.OpsMissing(Context{})
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		d := NewDocument()
		// reversed, so everything waits in the buffer until the first op
		for i := len(ops) - 1; i >= 0; i-- {
			d.Apply(ops[i])
		}
	}
}

func BenchmarkApply1(b *testing.B)   { benchmarkApply(1, b) }
func BenchmarkApply10(b *testing.B)  { benchmarkApply(10, b) }
func BenchmarkApply100(b *testing.B) { benchmarkApply(100, b) }

func benchmarkRender(factor int, b *testing.B) {
	a := NewInMemory("a")
	populate(b, a, factor)
	ops := a.OpsMissing(Context{})
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		b.StopTimer()
		d := NewDocument()
		for _, op := range ops {
			d.Apply(op)
		}
		b.StartTimer()
		d.Digest()
	}
}

func BenchmarkRender1(b *testing.B)   { benchmarkRender(1, b) }
func BenchmarkRender10(b *testing.B)  { benchmarkRender(10, b) }
func BenchmarkRender100(b *testing.B) { benchmarkRender(100, b) }

func BenchmarkLookup(b *testing.B) {
	a := NewInMemory("a")
	populate(b, a, 100)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		a.Lookup(fmt.Sprintf("%d/%d", n%100, n%10))
	}
}

func BenchmarkExerciser(b *testing.B) {
	parameters := gopter.DefaultTestParametersWithSeed(1593228262585360000)
	parameters.MaxSize = 512
	parameters.MinSuccessfulTests = b.N
	properties := gopter.NewProperties(parameters)
	properties.Property("replica exerciser", commands.Prop(replicaCommands))
	out := bytes.NewBuffer(nil)
	reporter := gopter.NewFormatedReporter(false, 98, out)
	require.True(b, properties.Run(reporter))
}
