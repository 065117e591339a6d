package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_UnmarshalJSON_Leaf(t *testing.T) {
	t.Run("equals literal", func(t *testing.T) {
		raw := `{"operator":"equals","property":"plan","value":{"type":"literal","value":"premium"}}`
		var n Node
		require.NoError(t, json.Unmarshal([]byte(raw), &n))
		assert.Equal(t, OpEquals, n.Operator)
		assert.Equal(t, "plan", n.Property)
		assert.Equal(t, "premium", n.Value.Literal)
	})

	t.Run("in with array literal", func(t *testing.T) {
		raw := `{"operator":"in","property":"user","value":{"type":"literal","value":["alice","bob"]}}`
		var n Node
		require.NoError(t, json.Unmarshal([]byte(raw), &n))
		require.NoError(t, n.Validate())
	})

	t.Run("in with non-array literal is invalid", func(t *testing.T) {
		raw := `{"operator":"in","property":"user","value":{"type":"literal","value":"alice"}}`
		var n Node
		require.NoError(t, json.Unmarshal([]byte(raw), &n))
		assert.Error(t, n.Validate())
	})

	t.Run("reference value", func(t *testing.T) {
		raw := `{"operator":"in","property":"user","value":{"type":"reference","projectId":"p1","configName":"vip-list","path":"users"}}`
		var n Node
		require.NoError(t, json.Unmarshal([]byte(raw), &n))
		assert.Equal(t, ValueReference, n.Value.Type)
		assert.True(t, HasReference(n))
	})

	t.Run("missing property is rejected", func(t *testing.T) {
		raw := `{"operator":"equals","value":{"type":"literal","value":1}}`
		var n Node
		assert.Error(t, json.Unmarshal([]byte(raw), &n))
	})
}

func TestNode_UnmarshalJSON_Segmentation(t *testing.T) {
	t.Run("valid bounds", func(t *testing.T) {
		raw := `{"operator":"segmentation","property":"userId","fromPercentage":0,"toPercentage":25,"seed":"exp-1"}`
		var n Node
		require.NoError(t, json.Unmarshal([]byte(raw), &n))
		require.NoError(t, n.Validate())
	})

	t.Run("from greater than to is invalid", func(t *testing.T) {
		n := Node{Operator: OpSegmentation, Property: "userId", FromPercentage: 50, ToPercentage: 10, Seed: "x"}
		assert.Error(t, n.Validate())
	})

	t.Run("empty seed is invalid", func(t *testing.T) {
		n := Node{Operator: OpSegmentation, Property: "userId", FromPercentage: 0, ToPercentage: 10}
		assert.Error(t, n.Validate())
	})

	t.Run("out of range percentage is invalid", func(t *testing.T) {
		n := Node{Operator: OpSegmentation, Property: "userId", FromPercentage: -1, ToPercentage: 10, Seed: "x"}
		assert.Error(t, n.Validate())
	})
}

func TestNode_Composite(t *testing.T) {
	t.Run("and/or may have empty children", func(t *testing.T) {
		and := Node{Operator: OpAnd}
		or := Node{Operator: OpOr}
		assert.NoError(t, and.Validate())
		assert.NoError(t, or.Validate())
	})

	t.Run("not requires exactly one child", func(t *testing.T) {
		raw := `{"operator":"not","children":[]}`
		var n Node
		assert.Error(t, json.Unmarshal([]byte(raw), &n))

		raw2 := `{"operator":"not","children":[{"operator":"equals","property":"a","value":{"type":"literal","value":1}},{"operator":"equals","property":"b","value":{"type":"literal","value":2}}]}`
		var n2 Node
		assert.Error(t, json.Unmarshal([]byte(raw2), &n2))
	})
}

func TestExtractProperties(t *testing.T) {
	tree := Node{
		Operator: OpAnd,
		Children: []Node{
			{Operator: OpEquals, Property: "plan", Value: Value{Type: ValueLiteral, Literal: "pro"}},
			{
				Operator: OpOr,
				Children: []Node{
					{Operator: OpEquals, Property: "region", Value: Value{Type: ValueLiteral, Literal: "eu"}},
					{Operator: OpEquals, Property: "plan", Value: Value{Type: ValueLiteral, Literal: "biz"}},
				},
			},
		},
	}
	got := ExtractProperties(tree)
	assert.Equal(t, []string{"plan", "region"}, got)
}

func TestNode_RoundTrip(t *testing.T) {
	n := Node{
		Operator: OpSegmentation,
		Property: "userId",
		FromPercentage: 0,
		ToPercentage: 25,
		Seed: "exp-1",
	}
	data, err := json.Marshal(n)
	require.NoError(t, err)

	var n2 Node
	require.NoError(t, json.Unmarshal(data, &n2))
	assert.Equal(t, n, n2)
}
