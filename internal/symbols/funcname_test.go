package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFuncName(t *testing.T) {
	tests := []struct {
		in   string
		want FuncName
		kind Kind
	}{
		{
			in:   "main.HealthHandler",
			want: FuncName{Package: "main", Name: "HealthHandler"},
			kind: KindFunction,
		},
		{
			in:   "main.(*Input).LoadHandler",
			want: FuncName{Package: "main", Receiver: "Input", Pointer: true, Name: "LoadHandler"},
			kind: KindMethod,
		},
		{
			in:   "net/http.serverHandler.ServeHTTP",
			want: FuncName{Package: "net/http", Receiver: "serverHandler", Name: "ServeHTTP"},
			kind: KindMethod,
		},
		{
			in:   "net/http.(*ServeMux).ServeHTTP",
			want: FuncName{Package: "net/http", Receiver: "ServeMux", Pointer: true, Name: "ServeHTTP"},
			kind: KindMethod,
		},
		{
			in:   "github.com/x/y.v2/z.(*T).Run",
			want: FuncName{Package: "github.com/x/y.v2/z", Receiver: "T", Pointer: true, Name: "Run"},
			kind: KindMethod,
		},
		{
			in:   "main.main.func1",
			want: FuncName{Package: "main", Name: "main.func1"},
			kind: KindFunction,
		},
		{
			in:   "github.com/a/b.(*T).m.func2",
			want: FuncName{Package: "github.com/a/b", Receiver: "T", Pointer: true, Name: "m.func2"},
			kind: KindMethod,
		},
		{
			in:   "vendor.FakeHealthHandlerWrapper",
			want: FuncName{Package: "vendor", Name: "FakeHealthHandlerWrapper"},
			kind: KindFunction,
		},
		{
			in:   "main.Map[...]",
			want: FuncName{Name: "main.Map[...]", Generic: true},
			kind: KindFunction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseFuncName(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.Qualified())
			assert.Equal(t, tt.kind, ClassifyName(tt.in))
		})
	}
}
