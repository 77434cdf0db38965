package skills

import (
	"sort"
	"strings"
)

// maxMissingSkills 匹配明细中缺失技能的最大条数
const maxMissingSkills = 20

// neutralOverlapRatio 岗位未列出任何技能要求时的中性重合度
const neutralOverlapRatio = 0.5

// skillAliases 技能别名表：小写别名 -> 规范名。
// 表中同时包含每个规范名自身的小写形式，保证规范化的幂等性。
// 词表基础来自技能分类服务的候选标签集，再按技术族扩充常见别名写法。
var skillAliases = map[string]string{
	// 编程语言
	"javascript":  "JavaScript",
	"js":          "JavaScript",
	"java script": "JavaScript",
	"ecmascript":  "JavaScript",
	"es6":         "JavaScript",
	"typescript":  "TypeScript",
	"ts":          "TypeScript",
	"python":      "Python",
	"py":          "Python",
	"python3":     "Python",
	"python 3":    "Python",
	"java":        "Java",
	"go":          "Go",
	"golang":      "Go",
	"go lang":     "Go",
	"rust":        "Rust",
	"rustlang":    "Rust",
	"c":           "C",
	"c++":         "C++",
	"cpp":         "C++",
	"cplusplus":   "C++",
	"c plus plus": "C++",
	"c#":          "C#",
	"csharp":      "C#",
	"c sharp":     "C#",
	"php":         "PHP",
	"ruby":        "Ruby",
	"kotlin":      "Kotlin",
	"swift":       "Swift",
	"scala":       "Scala",
	"r":           "R",
	"perl":        "Perl",
	"haskell":     "Haskell",
	"elixir":      "Elixir",
	"erlang":      "Erlang",
	"clojure":     "Clojure",
	"dart":        "Dart",
	"lua":         "Lua",
	"objective-c": "Objective-C",
	"objective c": "Objective-C",
	"objc":        "Objective-C",
	"matlab":      "MATLAB",
	"julia":       "Julia",
	"groovy":      "Groovy",
	"bash":        "Shell",
	"shell":       "Shell",
	"sh":          "Shell",
	"zsh":         "Shell",
	"shell scripting": "Shell",
	"powershell":      "PowerShell",
	"sql":             "SQL",
	"pl/sql":          "PL/SQL",
	"plsql":           "PL/SQL",
	"t-sql":           "T-SQL",
	"tsql":            "T-SQL",
	"vb.net":          "VB.NET",
	"visual basic":    "VB.NET",
	"assembly":        "Assembly",
	"asm":             "Assembly",
	"solidity":        "Solidity",
	"zig":             "Zig",
	"fortran":         "Fortran",
	"cobol":           "COBOL",

	// 前端
	"react":        "React",
	"reactjs":      "React",
	"react.js":     "React",
	"react js":     "React",
	"angular":      "Angular",
	"angularjs":    "AngularJS",
	"angular.js":   "AngularJS",
	"vue":          "Vue",
	"vuejs":        "Vue",
	"vue.js":       "Vue",
	"vue js":       "Vue",
	"svelte":       "Svelte",
	"next.js":      "Next.js",
	"nextjs":       "Next.js",
	"next js":      "Next.js",
	"nuxt":         "Nuxt",
	"nuxtjs":       "Nuxt",
	"nuxt.js":      "Nuxt",
	"html":         "HTML",
	"html5":        "HTML",
	"css":          "CSS",
	"css3":         "CSS",
	"sass":         "Sass",
	"scss":         "Sass",
	"less":         "Less",
	"tailwind":     "Tailwind CSS",
	"tailwindcss":  "Tailwind CSS",
	"tailwind css": "Tailwind CSS",
	"bootstrap":    "Bootstrap",
	"jquery":       "jQuery",
	"redux":        "Redux",
	"mobx":         "MobX",
	"webpack":      "Webpack",
	"vite":         "Vite",
	"babel":        "Babel",
	"storybook":    "Storybook",
	"emberjs":      "Ember",
	"ember":        "Ember",
	"three.js":     "Three.js",
	"threejs":      "Three.js",
	"d3":           "D3.js",
	"d3.js":        "D3.js",
	"d3js":         "D3.js",
	"electron":     "Electron",
	"react native": "React Native",
	"react-native": "React Native",
	"reactnative":  "React Native",
	"flutter":      "Flutter",
	"ionic":        "Ionic",

	// 后端与框架
	"node.js":       "Node.js",
	"nodejs":        "Node.js",
	"node js":       "Node.js",
	"node":          "Node.js",
	"express":       "Express",
	"expressjs":     "Express",
	"express.js":    "Express",
	"nestjs":        "NestJS",
	"nest.js":       "NestJS",
	"fastify":       "Fastify",
	"koa":           "Koa",
	"spring":        "Spring",
	"spring boot":   "Spring Boot",
	"springboot":    "Spring Boot",
	"spring-boot":   "Spring Boot",
	"django":        "Django",
	"flask":         "Flask",
	"fastapi":       "FastAPI",
	"fast api":      "FastAPI",
	"rails":         "Ruby on Rails",
	"ruby on rails": "Ruby on Rails",
	"ror":           "Ruby on Rails",
	"laravel":       "Laravel",
	"symfony":       "Symfony",
	"asp.net":       "ASP.NET",
	"aspnet":        "ASP.NET",
	"asp net":       "ASP.NET",
	".net":          ".NET",
	"dotnet":        ".NET",
	"dot net":       ".NET",
	".net core":     ".NET",
	"dotnet core":   ".NET",
	"net core":      ".NET",
	"gin":           "Gin",
	"echo":          "Echo",
	"fiber":         "Fiber",
	"grpc":          "gRPC",
	"grpc-go":       "gRPC",
	"graphql":       "GraphQL",
	"graph ql":      "GraphQL",
	"rest":          "REST API",
	"rest api":      "REST API",
	"rest apis":     "REST API",
	"restful":       "REST API",
	"restful api":   "REST API",
	"restful apis":  "REST API",
	"soap":          "SOAP",
	"websocket":     "WebSocket",
	"websockets":    "WebSocket",
	"socket.io":     "Socket.IO",
	"socketio":      "Socket.IO",
	"phoenix":       "Phoenix",
	"ktor":          "Ktor",
	"micronaut":     "Micronaut",
	"quarkus":       "Quarkus",
	"hibernate":     "Hibernate",
	"mybatis":       "MyBatis",

	// 数据库与存储
	"mysql":                "MySQL",
	"my sql":               "MySQL",
	"postgresql":           "PostgreSQL",
	"postgres":             "PostgreSQL",
	"postgre sql":          "PostgreSQL",
	"pgsql":                "PostgreSQL",
	"psql":                 "PostgreSQL",
	"sqlite":               "SQLite",
	"sqlite3":              "SQLite",
	"mongodb":              "MongoDB",
	"mongo":                "MongoDB",
	"mongo db":             "MongoDB",
	"redis":                "Redis",
	"memcached":            "Memcached",
	"memcache":             "Memcached",
	"cassandra":            "Cassandra",
	"elasticsearch":        "Elasticsearch",
	"elastic search":       "Elasticsearch",
	"opensearch":           "OpenSearch",
	"solr":                 "Solr",
	"neo4j":                "Neo4j",
	"dynamodb":             "DynamoDB",
	"dynamo db":            "DynamoDB",
	"couchdb":              "CouchDB",
	"couchbase":            "Couchbase",
	"mariadb":              "MariaDB",
	"oracle":               "Oracle",
	"oracle db":            "Oracle",
	"oracle database":      "Oracle",
	"sql server":           "SQL Server",
	"sqlserver":            "SQL Server",
	"mssql":                "SQL Server",
	"ms sql":               "SQL Server",
	"microsoft sql server": "SQL Server",
	"influxdb":             "InfluxDB",
	"timescaledb":          "TimescaleDB",
	"clickhouse":           "ClickHouse",
	"snowflake":            "Snowflake",
	"bigquery":             "BigQuery",
	"big query":            "BigQuery",
	"redshift":             "Redshift",
	"hbase":                "HBase",
	"hive":                 "Hive",
	"cockroachdb":          "CockroachDB",
	"etcd":                 "etcd",
	"qdrant":               "Qdrant",
	"milvus":               "Milvus",
	"pinecone":             "Pinecone",
	"weaviate":             "Weaviate",
	"duckdb":               "DuckDB",
	"supabase":             "Supabase",
	"firebase":             "Firebase",
	"firestore":            "Firestore",
	"nosql":                "NoSQL",

	// 云与基础设施
	"aws":                     "AWS",
	"amazon web services":     "AWS",
	"azure":                   "Azure",
	"microsoft azure":         "Azure",
	"gcp":                     "GCP",
	"google cloud":            "GCP",
	"google cloud platform":   "GCP",
	"heroku":                  "Heroku",
	"digitalocean":            "DigitalOcean",
	"digital ocean":           "DigitalOcean",
	"cloudflare":              "Cloudflare",
	"vercel":                  "Vercel",
	"netlify":                 "Netlify",
	"aws lambda":              "AWS Lambda",
	"lambda":                  "AWS Lambda",
	"s3":                      "Amazon S3",
	"amazon s3":               "Amazon S3",
	"aws s3":                  "Amazon S3",
	"ec2":                     "Amazon EC2",
	"amazon ec2":              "Amazon EC2",
	"aws ec2":                 "Amazon EC2",
	"eks":                     "Amazon EKS",
	"ecs":                     "Amazon ECS",
	"rds":                     "Amazon RDS",
	"sqs":                     "Amazon SQS",
	"sns":                     "Amazon SNS",
	"cloudformation":          "CloudFormation",
	"docker":                  "Docker",
	"docker compose":          "Docker Compose",
	"docker-compose":          "Docker Compose",
	"kubernetes":              "Kubernetes",
	"k8s":                     "Kubernetes",
	"k8":                      "Kubernetes",
	"helm":                    "Helm",
	"istio":                   "Istio",
	"terraform":               "Terraform",
	"ansible":                 "Ansible",
	"puppet":                  "Puppet",
	"chef":                    "Chef",
	"vagrant":                 "Vagrant",
	"jenkins":                 "Jenkins",
	"circleci":                "CircleCI",
	"circle ci":               "CircleCI",
	"travis ci":               "Travis CI",
	"travisci":                "Travis CI",
	"github actions":          "GitHub Actions",
	"gitlab ci":               "GitLab CI",
	"gitlab-ci":               "GitLab CI",
	"argocd":                  "Argo CD",
	"argo cd":                 "Argo CD",
	"prometheus":              "Prometheus",
	"grafana":                 "Grafana",
	"datadog":                 "Datadog",
	"splunk":                  "Splunk",
	"new relic":               "New Relic",
	"newrelic":                "New Relic",
	"sentry":                  "Sentry",
	"nginx":                   "Nginx",
	"apache":                  "Apache",
	"httpd":                   "Apache",
	"haproxy":                 "HAProxy",
	"envoy":                   "Envoy",
	"consul":                  "Consul",
	"vault":                   "Vault",
	"openstack":               "OpenStack",
	"serverless":              "Serverless",
	"microservices":           "Microservices",
	"micro services":          "Microservices",
	"micro-services":          "Microservices",
	"microservice":            "Microservices",
	"ci/cd":                   "CI/CD",
	"cicd":                    "CI/CD",
	"ci cd":                   "CI/CD",
	"ci-cd":                   "CI/CD",
	"continuous integration":  "CI/CD",
	"continuous delivery":     "CI/CD",
	"continuous deployment":   "CI/CD",
	"devops":                  "DevOps",
	"sre":                     "SRE",
	"site reliability engineering": "SRE",
	"infrastructure as code":       "Infrastructure as Code",
	"iac":                          "Infrastructure as Code",
	"linux":                        "Linux",
	"unix":                         "Unix",
	"ubuntu":                       "Ubuntu",
	"centos":                       "CentOS",
	"debian":                       "Debian",

	// 消息与数据管道
	"kafka":          "Kafka",
	"apache kafka":   "Kafka",
	"rabbitmq":       "RabbitMQ",
	"rabbit mq":      "RabbitMQ",
	"amqp":           "RabbitMQ",
	"activemq":       "ActiveMQ",
	"zeromq":         "ZeroMQ",
	"nats":           "NATS",
	"pulsar":         "Pulsar",
	"apache pulsar":  "Pulsar",
	"mqtt":           "MQTT",
	"celery":         "Celery",
	"sidekiq":        "Sidekiq",
	"airflow":        "Airflow",
	"apache airflow": "Airflow",
	"spark":          "Spark",
	"apache spark":   "Spark",
	"pyspark":        "PySpark",
	"flink":          "Flink",
	"apache flink":   "Flink",
	"hadoop":         "Hadoop",
	"apache hadoop":  "Hadoop",
	"apache beam":    "Beam",
	"kinesis":        "Kinesis",
	"etl":            "ETL",

	// 数据与机器学习
	"machine learning":            "Machine Learning",
	"ml":                          "Machine Learning",
	"deep learning":               "Deep Learning",
	"dl":                          "Deep Learning",
	"artificial intelligence":     "Artificial Intelligence",
	"ai":                          "Artificial Intelligence",
	"data science":                "Data Science",
	"data engineering":            "Data Engineering",
	"data analysis":               "Data Analysis",
	"data analytics":              "Data Analysis",
	"nlp":                         "NLP",
	"natural language processing": "NLP",
	"computer vision":             "Computer Vision",
	"tensorflow":                  "TensorFlow",
	"tensor flow":                 "TensorFlow",
	"pytorch":                     "PyTorch",
	"torch":                       "PyTorch",
	"keras":                       "Keras",
	"scikit-learn":                "scikit-learn",
	"scikit learn":                "scikit-learn",
	"sklearn":                     "scikit-learn",
	"pandas":                      "pandas",
	"numpy":                       "NumPy",
	"scipy":                       "SciPy",
	"matplotlib":                  "Matplotlib",
	"seaborn":                     "Seaborn",
	"jupyter":                     "Jupyter",
	"jupyter notebook":            "Jupyter",
	"jupyter notebooks":           "Jupyter",
	"opencv":                      "OpenCV",
	"open cv":                     "OpenCV",
	"hugging face":                "Hugging Face",
	"huggingface":                 "Hugging Face",
	"langchain":                   "LangChain",
	"lang chain":                  "LangChain",
	"llm":                         "LLM",
	"llms":                        "LLM",
	"large language models":       "LLM",
	"rag":                         "RAG",
	"retrieval augmented generation": "RAG",
	"mlops":                          "MLOps",
	"xgboost":                        "XGBoost",
	"lightgbm":                       "LightGBM",
	"tableau":                        "Tableau",
	"power bi":                       "Power BI",
	"powerbi":                        "Power BI",
	"looker":                         "Looker",
	"dbt":                            "dbt",
	"openai":                         "OpenAI",
	"open ai":                        "OpenAI",

	// 移动端
	"android":         "Android",
	"ios":             "iOS",
	"swiftui":         "SwiftUI",
	"swift ui":        "SwiftUI",
	"jetpack compose": "Jetpack Compose",
	"xamarin":         "Xamarin",
	"cordova":         "Cordova",

	// 工程实践与工具
	"git":                      "Git",
	"github":                   "GitHub",
	"git hub":                  "GitHub",
	"gitlab":                   "GitLab",
	"bitbucket":                "Bitbucket",
	"svn":                      "SVN",
	"subversion":               "SVN",
	"jira":                     "Jira",
	"confluence":               "Confluence",
	"agile":                    "Agile",
	"agile methodology":        "Agile",
	"agile development":        "Agile",
	"scrum":                    "Scrum",
	"kanban":                   "Kanban",
	"tdd":                      "TDD",
	"test driven development":  "TDD",
	"test-driven development":  "TDD",
	"bdd":                      "BDD",
	"behavior driven development": "BDD",
	"ddd":                         "DDD",
	"domain driven design":        "DDD",
	"domain-driven design":        "DDD",
	"oop":                         "OOP",
	"object oriented programming": "OOP",
	"object-oriented programming": "OOP",
	"functional programming":      "Functional Programming",
	"design patterns":             "Design Patterns",
	"unit testing":                "Unit Testing",
	"unit tests":                  "Unit Testing",
	"integration testing":         "Integration Testing",
	"selenium":                    "Selenium",
	"cypress":                     "Cypress",
	"playwright":                  "Playwright",
	"puppeteer":                   "Puppeteer",
	"jest":                        "Jest",
	"mocha":                       "Mocha",
	"pytest":                      "pytest",
	"junit":                       "JUnit",
	"testng":                      "TestNG",
	"postman":                     "Postman",
	"swagger":                     "OpenAPI",
	"openapi":                     "OpenAPI",
	"open api":                    "OpenAPI",
	"oauth":                       "OAuth",
	"oauth2":                      "OAuth",
	"oauth 2.0":                   "OAuth",
	"jwt":                         "JWT",
	"json web token":              "JWT",
	"json web tokens":             "JWT",
	"sso":                         "SSO",
	"single sign-on":              "SSO",
	"single sign on":              "SSO",
	"ldap":                        "LDAP",
	"saml":                        "SAML",
	"tls":                         "TLS",
	"ssl":                         "TLS",
	"ssl/tls":                     "TLS",
	"cybersecurity":               "Security",
	"cyber security":              "Security",
	"information security":        "Security",
	"infosec":                     "Security",
	"security":                    "Security",
	"penetration testing":         "Penetration Testing",
	"pentesting":                  "Penetration Testing",
	"pen testing":                 "Penetration Testing",
	"owasp":                       "OWASP",
	"blockchain":                  "Blockchain",
	"block chain":                 "Blockchain",
	"ethereum":                    "Ethereum",
	"web3":                        "Web3",
	"smart contracts":             "Smart Contracts",
	"distributed systems":         "Distributed Systems",
	"system design":               "System Design",
	"high availability":           "High Availability",
	"load balancing":              "Load Balancing",
	"caching":                     "Caching",
	"message queue":               "Message Queues",
	"message queues":              "Message Queues",
	"mq":                          "Message Queues",
	"api gateway":                 "API Gateway",
	"api design":                  "API Design",

	// 数据格式与协议
	"json":             "JSON",
	"xml":              "XML",
	"yaml":             "YAML",
	"protobuf":         "Protocol Buffers",
	"protocol buffers": "Protocol Buffers",
	"proto":            "Protocol Buffers",
	"avro":             "Avro",
	"parquet":          "Parquet",
}

// Normalizer 技能规范化器。
// 把任意写法的技能词统一到规范名，供重合度计算与打分使用。
type Normalizer struct {
	aliases map[string]string
}

// Option 规范化器的可选配置
type Option func(*Normalizer)

// WithExtraAliases 在内置别名表之上叠加自定义别名（键会被转为小写）。
// 同名键覆盖内置条目。
func WithExtraAliases(extra map[string]string) Option {
	return func(n *Normalizer) {
		for alias, canonical := range extra {
			key := strings.ToLower(strings.TrimSpace(alias))
			if key == "" || canonical == "" {
				continue
			}
			n.aliases[key] = canonical
		}
	}
}

// NewNormalizer 创建技能规范化器
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		aliases: make(map[string]string, len(skillAliases)),
	}
	for alias, canonical := range skillAliases {
		n.aliases[alias] = canonical
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Canonical 返回单个技能词的规范名。
// 查表前先去首尾空白并转小写；未收录的词去空白后原样返回，绝不丢弃。
func (n *Normalizer) Canonical(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return ""
	}
	if canonical, ok := n.aliases[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return trimmed
}

// CanonicalSet 规范化一组技能词：逐个规范化、去掉空串、
// 按规范名（忽略大小写）去重，保留首次出现的顺序。
func (n *Normalizer) CanonicalSet(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		canonical := n.Canonical(token)
		if canonical == "" {
			continue
		}
		key := strings.ToLower(canonical)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

// Overlap 技能重合度计算结果
type Overlap struct {
	Matched []string // 候选人命中的岗位技能（规范名，字典序）
	Missing []string // 候选人缺失的岗位技能（规范名，字典序，最多 maxMissingSkills 条）
	Ratio   float64  // 命中数 / 岗位要求数，落在 [0,1]；岗位未列要求时为中性值 0.5
}

// ComputeOverlap 规范化双方技能后计算候选人对岗位要求的覆盖情况。
func (n *Normalizer) ComputeOverlap(candidateSkills, jobSkills []string) Overlap {
	jobCanonical := n.CanonicalSet(jobSkills)
	if len(jobCanonical) == 0 {
		return Overlap{Matched: []string{}, Missing: []string{}, Ratio: neutralOverlapRatio}
	}

	candidateSet := make(map[string]struct{})
	for _, s := range n.CanonicalSet(candidateSkills) {
		candidateSet[strings.ToLower(s)] = struct{}{}
	}

	matched := make([]string, 0, len(jobCanonical))
	missing := make([]string, 0, len(jobCanonical))
	for _, s := range jobCanonical {
		if _, ok := candidateSet[strings.ToLower(s)]; ok {
			matched = append(matched, s)
		} else {
			missing = append(missing, s)
		}
	}

	sort.Strings(matched)
	sort.Strings(missing)
	if len(missing) > maxMissingSkills {
		missing = missing[:maxMissingSkills]
	}

	return Overlap{
		Matched: matched,
		Missing: missing,
		Ratio:   float64(len(matched)) / float64(len(jobCanonical)),
	}
}
