package sqlfrag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaibyao/pgrest/internal/compileerr"
)

func TestParseExpressionCollectsDottedIdentifiers(t *testing.T) {
	pf, err := Parse("team_id.coach_id.name = 'Ted' AND wins > 10", Expression)
	require.NoError(t, err)
	require.Len(t, pf.Identifiers, 2)
	require.Equal(t, "team_id.coach_id.name", pf.Identifiers[0].Path)
	require.Equal(t, "wins", pf.Identifiers[1].Path)
	require.True(t, pf.Identifiers[0].Start < pf.Identifiers[1].Start)
}

func TestParseExpressionRejectsBetween(t *testing.T) {
	_, err := Parse("wins BETWEEN 1 AND 10", Expression)
	require.Error(t, err)
	var ce *compileerr.Error
	require.True(t, compileerr.As(err, &ce))
	require.Equal(t, compileerr.UnsupportedFeature, ce.Kind)
}

func TestParseExpressionRejectsSubquery(t *testing.T) {
	_, err := Parse("id = (SELECT id FROM other)", Expression)
	require.Error(t, err)
}

func TestParseExpressionRejectsMultipleStatements(t *testing.T) {
	_, err := Parse("id = 1; DROP TABLE foo", Expression)
	require.Error(t, err)
}

func TestParseColumnListWithAliases(t *testing.T) {
	pf, err := Parse("name, team_id.coach_id.name AS coach_name", ColumnList)
	require.NoError(t, err)
	require.Len(t, pf.Columns, 2)
	require.Equal(t, "name", pf.Columns[0].Path)
	require.Equal(t, "", pf.Columns[0].Alias)
	require.Equal(t, "team_id.coach_id.name", pf.Columns[1].Path)
	require.Equal(t, "coach_name", pf.Columns[1].Alias)
}

func TestParseColumnListRejectsWildcard(t *testing.T) {
	_, err := Parse("*", ColumnList)
	require.Error(t, err)
}

func TestParseOrderListWithDirectionAndNulls(t *testing.T) {
	pf, err := Parse("wins desc nulls first, name", OrderList)
	require.NoError(t, err)
	require.Len(t, pf.Order, 2)
	require.Equal(t, "wins", pf.Order[0].Path)
	require.True(t, pf.Order[0].Descending)
	require.True(t, pf.Order[0].NullsFirst)
	require.Equal(t, "name", pf.Order[1].Path)
	require.False(t, pf.Order[1].Descending)
}

func TestParseAssignmentListLiteralAndExpression(t *testing.T) {
	pf, err := Parse(`"name" = 'Ted', "coach_id" = team_id.coach_id`, AssignmentList)
	require.NoError(t, err)
	require.Len(t, pf.Assignments, 2)
	require.Equal(t, "name", pf.Assignments[0].Column)
	require.True(t, pf.Assignments[0].IsLiteral)
	require.Equal(t, "Ted", pf.Assignments[0].LiteralText)
	require.Equal(t, "coach_id", pf.Assignments[1].Column)
	require.False(t, pf.Assignments[1].IsLiteral)
}

func TestValidIdentifier(t *testing.T) {
	require.True(t, ValidIdentifier("name"))
	require.True(t, ValidIdentifier("team_id.coach_id.name"))
	require.False(t, ValidIdentifier("team id"))
	require.False(t, ValidIdentifier("team_id."))
	require.False(t, ValidIdentifier(""))
}
