// Package agent 定义生成流程中各个模型调用阶段及其提示词模板。
// 模板使用 ${var} 占位，租户可以在 prompt 索引中覆盖任意一个阶段的模板。
package agent

import "strings"

// substitute 将模板中的 ${key} 替换为对应取值。
func substitute(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "${"+k+"}", v)
	}
	return out
}

// systemPrompt 所有阶段共用的 system 消息。
const systemPrompt = "你是codecopilot助手，善于解决各种问题。/no_think"

// DefaultTimeConvertPrompt 相对时间转绝对时间。
const DefaultTimeConvertPrompt = `
请根据当前系统时间，将用户的输入中的相对时间筛选条件，转换为绝对时间。如果用户的输入中没有指定时间，则直接返回原始的输入。
在输出的时候，不要有任何reasoning

请根据以下格式处理输入输出：

current_time: 当前系统时间
user_input: 用户的文字输入，一般来说是对sql数据库的自然语言查询。
output: 附带了查询时间的输出
---
current_time: ${current_time}
user_input: 查询昨天的工单量
reasoning: 因为当前时间为${current_time}, 则昨天是${yesterday}
output: 查询${yesterday}的工单量
---
current_time: ${current_time}
user_input: 查询建单时间在前三个月的工单量
reasoning: 因为时间为${current_time}, 则三个月前是${three_months_ago}, 用户指定了筛选字段为建单时间
output: 查询建单时间为${three_months_ago}到${current_time}的工单量
---
current_time: ${current_time}
user_input: 查询成都工单量
reasoning: 因为用户在原始查询中没有附带任何时间，则直接输出原始输入
output: 查询成都工单量
---
current_time: ${current_time}
user_input: 查询2024年3月的工单量
reasoning: 因为用户指定了绝对时间，不需要作任何处理。
output: 查询2024年3月的工单量
---

注意：
如果用户输入提到"去年一年", 那么查询的是从去年1月1日到去年12月31日。而不是从去年今天到今年今天

Let's think step by step!

current_time: ${current_time}
user_input: ${user_input}
output:
`

// DefaultElementExtractPrompt 仿照 where/group_by/order_by 抽取关键要素。
const DefaultElementExtractPrompt = `
用户输入一段自然语言, 请将其中的筛选条件、分组维度类型和排序维度类型, 仿照sql语句中的where, group_by, order_by抽取出来.
---
根据以下格式输出
Query: 用户的输入
Sql Clauses: 解析出来的数组格式json 字符串, 抽取的时候, 不要考虑任何可能的聚合手段,
当成维度或者维值输出. 遇到任何时间,地理,位置相关的维度或者维值, 都需要输出.
具体格式为：{"where":[],"group_by":[],"order_by":[]}

##Notes
注意，只输出SqlClauses的抽取结果，不要有任何其他解释内容
---
Query: 按部门统计处理的投诉的工单有多少?限定南山区，按照投诉量排序.
Sql Clauses: {"where":["南山区","投诉"],"group_by":["部门"],"order_by":["投诉量"]}
---
Query: 2023年1月23日各省的宽带收入？
Sql Clauses: {"where":["2023年1月23日","宽带"],"group_by":["省份"],"order_by":[]}
---
Query: 2023-01至2023-09的深圳不同本地网的流动人口数，按本地网排序
Sql Clauses: {"where":["2023-01至2023-09","深圳","流动"],"group_by":["本地网"],"order_by":["本地网"]}
---
Query: ${user_input}

Sql Clauses:
`

// DefaultNl2sqlPrompt SQL 合成的主模板。
const DefaultNl2sqlPrompt = `
### Task
Generate a MySQL database query to answer [QUESTION]${query}[/QUESTION]

### Instructions
- database schema里面可能含有多余的信息，要自行筛选
- 注意只能用database schema的字段信息，不允许编造字段
- 如果有as关键字，后面一定要加空格，例如：as '投诉量'；
- sql请直接输出, 其中不要出现任何注释解释，不要编造字段。
- 如果问题中有时间信息，时间使用between and，大于、小于，取值注意时间格式；
- 如果Metric有提供，一定要按照metric里面的规则，来生成sql语句，并在此基础上根据用户输入增加或者修改条件。
- 如果EXTRA INFO有提供，请参考提供的信息生成sql。
- 不要生成任何带有having clause条件的sql.
- 如果有metric和extrainfo等信息，请在不影响SQL语法，不违反查询语义的情况下，参考。
- 如果提供了示例，当示例和用户输入的查询语义相似的情况下，请一定参考。
- 生成的SQL一定要用markdown block包裹住。如` + "```sql ```" + `

### Metric
${metric}

### Extra Info
${business_knowledge}
${synonym}
${field_value_info}

### Possible Examples
${fewshot}

### Database Schema
The query will run on a database with the following schema in markdown format:
${schema}

### Answer
根据提供的数据库信息和其他信息，这里是符合[QUESTION]${query}[/QUESTION]的SQL查询语句：
`

// DefaultQueryParsePrompt 深度语义检索时的实体解析。
const DefaultQueryParsePrompt = `
你是一个数据工程师，需要你做下面的工作：

# 要求
1.分析用户输入的query，解析出实体。不要解析时间。
2.对实体赋予实体类型，如：字段、省份等。
3.如果用户输入中包含表名，则将表名作为table的值。
4.结构化输出结果，如果有参考信息，按参考信息输出，没有参考信息按通用语义理解输出。
每个实体的输出格式：
{
        "entity_text": str,
        "entity_name": str,
        "entity_type": str
}

entity_text，代表输入中提取到的实体的实际内容
entity_name，代表输入中提取到的实体的具体分类，如果是表字段，该值为空。
entity_type，代表实体的类型，如果推测是表字段，则是field；如推测是地域，则是location。
4.只输出结构化结果，不要解释。

# 例子
1.用户输入：根据事故统计分析表查询去年每月各省高速公路死亡人数和经济损失
输出：
 {
    "table": "事故统计分析表",
    "entity": [
        {
            "entity_text": "四川",
            "entity_name": "省份",
            "entity_type": "location"
        },
        {
            "entity_text": "交通事故数",
            "entity_name": "",
            "entity_type": "field"
        }
    ]
}

2.用户输入：福田区近三月投诉的工单量是多少？
输出：
{
    "table": "",
    "entity": [
        {
            "entity_text": "福田区",
            "entity_name": "区县",
            "entity_type": "location"
        },
        {
            "entity_text": "投诉的工单量",
            "entity_name": "",
            "entity_type": "field"
        }
    ]
}

用户输入：${query}
`

// DefaultSqlExplainPrompt 解释给定 SQL。
const DefaultSqlExplainPrompt = `
# 给你sql语句
` + "```" + `
${sql}
` + "```" + `
# 给你表的信息
${table_info}

请用中文解释给你的sql语句，表信息做参考，如果没有表信息则直接解释。
`

// DefaultSqlCommentPrompt 为建表语句补充中文字段注释。
const DefaultSqlCommentPrompt = `
你是一名做数据分析的SQL工程师，你被要求根据提供的sql建表语句生成字段的中文注释，返回新的sql语句。
请注意，在SQL中，你可以使用COMMENT关键字来为表、列或视图添加注释。我的SQL服务器支持中文字符集，并且你正在使用的客户端也支持它。
下面是一些例子
示例1:
user: '''
create table if not exists table1
(file_name TEXT
)
'''
Assistant:
'''
create table if not exists table1
(file_name TEXT '文件名'
)
'''

示例2:
user: '''
create table if not exists table1
(ent_name TEXT
desc TEXT
)
'''
Assistant:
'''
create table if not exists table1
(ent_name TEXT comment '企业名称'
desc TEXT comment '描述'
)
'''
请按照示例的格式，输出assistant的回答，只返回sql！
对下面的sql语句生成"字段"的中文comment
# 给你的sql语句
` + "```" + `
${sql}
` + "```" + `
`

// DefaultSqlCorrectPrompt 判断并修正 SQL 语法错误。
const DefaultSqlCorrectPrompt = `
### Task
根据给定的sql语句进行分析判断是否语法错误, 如果错误则改写成正确的sql语句, 如果没有错误则返回原sql语句.

### Introduction
不需要任何解释和提示！直接以markdown格式返回代码

### 给定的sql语句
` + "```" + `
${sql}
` + "```" + `
${hint}

### 正确的sql语句是
`
