package agent

import (
	"fmt"
	"strings"

	"github.com/Tele-AI/nl2sql/internal/model"
)

// RenderSchemaDDL 将表信息渲染成 CREATE TABLE 形式的 schema 描述。
func RenderSchemaDDL(tables []model.TableInfo) string {
	ddl := make([]string, 0, len(tables))
	for _, t := range tables {
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE %s (\n", t.TableName)

		fieldDefs := make([]string, 0, len(t.Fields))
		for _, f := range t.Fields {
			def := fmt.Sprintf("    %s %s", f.Name, f.Datatype)
			if f.Comment != "" {
				def += fmt.Sprintf(" COMMENT '%s'", f.Comment)
			}
			fieldDefs = append(fieldDefs, def)
		}
		b.WriteString(strings.Join(fieldDefs, ",\n"))
		b.WriteString("\n)")

		if t.TableComment != "" {
			fmt.Fprintf(&b, " COMMENT '%s'", t.TableComment)
		}
		b.WriteString(";")
		ddl = append(ddl, b.String())
	}
	return strings.Join(ddl, "\n\n")
}

// RenderFewshot 将相似 SQL 案例渲染成示例段落。
func RenderFewshot(cases []model.SqlCase) string {
	if len(cases) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("以下是sql案例库中与问题相似的案例: \n")
	for _, c := range cases {
		fmt.Fprintf(&b, "问题： %s\nSQL: %s\n", c.Querys, c.Sql)
	}
	return b.String()
}

// RenderSynonym 将命中的同义词映射渲染成提示段落，
// 键为 secondary（用户原词），值为 primary（标准词）。
func RenderSynonym(matched map[string]string) string {
	if len(matched) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n在用户的问题中, \n")
	for sec, prim := range matched {
		fmt.Fprintf(&b, "%s 是指 %s\n", sec, prim)
	}
	return b.String()
}

// RenderFieldValue 将命中的维值按表、字段分组渲染。
// 例如: 表order_detail_shenzhen中，1. order_region的值例如：'南山区'；
func RenderFieldValue(dimValues []model.ScoredDimValue, tables []model.TableInfo) string {
	if len(dimValues) == 0 {
		return ""
	}

	tableByID := make(map[string]model.TableInfo, len(tables))
	for _, t := range tables {
		tableByID[t.TableID] = t
	}

	// 按表分组，再按字段分组
	byTable := make(map[string][]model.ScoredDimValue)
	tableOrder := []string{}
	for _, dv := range dimValues {
		if _, ok := byTable[dv.DimValue.TableID]; !ok {
			tableOrder = append(tableOrder, dv.DimValue.TableID)
		}
		byTable[dv.DimValue.TableID] = append(byTable[dv.DimValue.TableID], dv)
	}

	sections := []string{}
	for _, tableID := range tableOrder {
		table, ok := tableByID[tableID]
		if !ok {
			continue
		}

		fieldName := make(map[string]string, len(table.Fields))
		for _, f := range table.Fields {
			fieldName[f.FieldID] = f.Name
		}

		byField := make(map[string][]string)
		fieldOrder := []string{}
		for _, dv := range byTable[tableID] {
			fid := dv.DimValue.FieldID
			if _, ok := byField[fid]; !ok {
				fieldOrder = append(fieldOrder, fid)
			}
			byField[fid] = append(byField[fid], dv.DimValue.Value)
		}

		lines := []string{}
		for i, fid := range fieldOrder {
			name, ok := fieldName[fid]
			if !ok {
				continue
			}
			values := byField[fid]
			if len(values) > 3 {
				values = values[:3]
			}
			quoted := make([]string, len(values))
			for j, v := range values {
				quoted[j] = fmt.Sprintf("'%s'", v)
			}
			lines = append(lines, fmt.Sprintf("%d. %s的值例如：%s；", i+1, name, strings.Join(quoted, ", ")))
		}

		if len(lines) > 0 {
			sections = append(sections, fmt.Sprintf("\n表%s中，\n%s", table.TableName, strings.Join(lines, "\n")))
		}
	}

	return strings.Join(sections, "\n")
}

// RenderTableInfo 将表信息渲染成 explain 阶段可读的文本。
func RenderTableInfo(tables []model.TableInfo) string {
	if len(tables) == 0 {
		return ""
	}
	return RenderSchemaDDL(tables)
}
