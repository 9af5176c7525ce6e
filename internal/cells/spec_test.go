package cells

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
)

func TestValidate_Name(t *testing.T) {
	cases := []struct {
		name    string
		cell    string
		wantErr bool
	}{
		{"simple", "sleeper", false},
		{"nested", "a/b", false},
		{"deep-nested", "a/b/c/d", false},
		{"empty", "", true},
		{"leading-slash", "/a", true},
		{"trailing-slash", "a/", true},
		{"empty-segment", "a//b", true},
		{"uppercase", "Bad_Name", true},
		{"underscore", "bad_name", true},
		{"non-ascii", "café", true},
		{"too-deep", "a/b/c/d/e/f/g/h/i", true},
		{"starts-with-dash", "-bad", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(CellSpec{Name: tc.cell})
			if !tc.wantErr {
				require.NoError(t, err, "name %q should validate", tc.cell)
				return
			}
			require.Error(t, err, "name %q should fail validation", tc.cell)
			must.True(t, IsKind(err, KindValidation))
			verr, ok := err.(*Error)
			require.True(t, ok)
			must.Eq(t, "name", verr.Field)
		})
	}
}

// TestValidate_S5 pins scenario S5 from spec §8: Allocate({name:"Bad_Name"})
// must fail Validation{field:"name", reason:"charset"} before any syscall.
func TestValidate_S5(t *testing.T) {
	_, err := Validate(CellSpec{Name: "Bad_Name"})
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	must.Eq(t, KindValidation, verr.Kind)
	must.Eq(t, "name", verr.Field)
	must.Eq(t, "charset", verr.Reason)
}

func TestValidate_CPUWeight(t *testing.T) {
	_, err := Validate(CellSpec{Name: "x", CPU: &CPUSpec{Weight: 0}})
	must.NoError(t, err)

	_, err = Validate(CellSpec{Name: "x", CPU: &CPUSpec{Weight: 10001}})
	must.True(t, IsKind(err, KindValidation))

	_, err = Validate(CellSpec{Name: "x", CPU: &CPUSpec{Weight: 1}})
	must.NoError(t, err)
}

func TestValidate_Cpuset(t *testing.T) {
	valid := []string{"0", "0-3", "0-3,7", "0,2,4-6"}
	for _, v := range valid {
		_, err := Validate(CellSpec{Name: "x", Cpuset: &CpusetSpec{Cpus: v}})
		require.NoErrorf(t, err, "expected %q to be valid", v)
	}

	invalid := []string{"a-b", "3-1", "0-", "-3"}
	for _, v := range invalid {
		_, err := Validate(CellSpec{Name: "x", Cpuset: &CpusetSpec{Cpus: v}})
		must.True(t, IsKind(err, KindValidation))
	}
}

func TestValidateExec(t *testing.T) {
	_, err := ValidateExec(ExecSpec{Name: "s1", Command: "/bin/sleep 10"})
	must.NoError(t, err)

	_, err = ValidateExec(ExecSpec{Name: "", Command: "/bin/true"})
	must.True(t, IsKind(err, KindValidation))

	_, err = ValidateExec(ExecSpec{Name: "s1", Command: "  "})
	must.True(t, IsKind(err, KindValidation))
}
